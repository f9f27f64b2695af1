package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/keyfold/keyfold/internal/prompt"
	"github.com/keyfold/keyfold/internal/zero"
	"github.com/keyfold/keyfold/keychain"
	"github.com/keyfold/keyfold/mutstore"
)

// createKeychain prompts the user for the passphrase protecting a brand new
// keychain and initializes it in the store.
func createKeychain(store *mutstore.Store) error {
	reader := bufio.NewReader(os.Stdin)
	privPass, err := prompt.PrivatePass(reader)
	if err != nil {
		return err
	}
	defer zero.Bytes(privPass)

	_, err = keychain.Create(store, privPass, &keychain.DefaultScryptOptions)
	if err != nil {
		return err
	}
	fmt.Println("The wallet has been created successfully.")
	return nil
}

// openKeychain opens the persisted keychain, driving first-run setup when it
// does not exist yet.  Without --create a missing keychain is a hard error so
// the daemon never silently initializes key material.
func openKeychain(cfg *config, store *mutstore.Store) (*keychain.Manager, error) {
	kc, err := keychain.Open(store)
	if err == nil {
		if cfg.Create {
			return nil, keychain.ErrAlreadyInitialized
		}
		return kc, nil
	}
	if !errors.Is(err, keychain.ErrNotInitialized) {
		return nil, err
	}

	if !cfg.Create {
		return nil, fmt.Errorf("the wallet does not exist; run with " +
			"--create to initialize it")
	}
	if err := createKeychain(store); err != nil {
		return nil, err
	}
	// Reopen so the daemon starts from the locked state like any other
	// run; key operations require an explicit unlock from the trusted UI.
	return keychain.Open(store)
}
