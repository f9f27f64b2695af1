// Package wallet ties the daemon's collaborators together: the keychain,
// the account catalog, site authorizations, the pending approval queue and
// the optional chain backend.  Router handlers call into this package; it
// owns the unlock timeout and the consequences of a forced lock.
package wallet

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/keyfold/keyfold/approval"
	"github.com/keyfold/keyfold/chain"
	"github.com/keyfold/keyfold/keychain"
	"github.com/keyfold/keyfold/mutstore"
	"github.com/keyfold/keyfold/sitemgr"
	"github.com/keyfold/keyfold/wacctmgr"
)

// networksKey is the mutation store key registered networks are persisted
// under.
const networksKey = "networks"

// ErrDuplicateNetwork is returned when registering a network whose chain id
// is already known.
var ErrDuplicateNetwork = errors.New("network already registered")

// Config is the set of collaborators a Wallet is assembled from.  Chain may
// be nil; the daemon runs fine without a backend, it just cannot serve
// balances or probe networks.
type Config struct {
	Store     *mutstore.Store
	KeyChain  *keychain.Manager
	Accounts  *wacctmgr.Manager
	Sites     *sitemgr.Manager
	Approvals *approval.Queue
	Chain     chain.Interface
	Clock     clock.Clock
}

// Wallet is the orchestrator handed to the router's handlers.
type Wallet struct {
	cfg Config

	// lockGen invalidates outstanding unlock timers: each Unlock bumps
	// it, and a timer only locks if its generation is still current.
	mtx     sync.Mutex
	lockGen uint64

	quit     chan struct{}
	quitOnce sync.Once
}

// New assembles a wallet from its collaborators.
func New(cfg Config) *Wallet {
	return &Wallet{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Stop cancels any outstanding unlock timer goroutine.
func (w *Wallet) Stop() {
	w.quitOnce.Do(func() { close(w.quit) })
}

// Accounts returns the account catalog manager.
func (w *Wallet) Accounts() *wacctmgr.Manager { return w.cfg.Accounts }

// Sites returns the site authorization manager.
func (w *Wallet) Sites() *sitemgr.Manager { return w.cfg.Sites }

// Approvals returns the pending approval queue.
func (w *Wallet) Approvals() *approval.Queue { return w.cfg.Approvals }

// Chain returns the chain backend, or nil when running detached.
func (w *Wallet) Chain() chain.Interface { return w.cfg.Chain }

// Locked reports whether the keychain is locked.
func (w *Wallet) Locked() bool {
	return w.cfg.KeyChain.Locked()
}

// Unlock unlocks the keychain with the passphrase.  A positive timeout arms
// a timer that re-locks the wallet when it expires; a later Unlock replaces
// any armed timer.
func (w *Wallet) Unlock(passphrase []byte, timeout time.Duration) error {
	if err := w.cfg.KeyChain.Unlock(passphrase); err != nil {
		return err
	}

	w.mtx.Lock()
	w.lockGen++
	gen := w.lockGen
	w.mtx.Unlock()

	if timeout > 0 {
		tick := w.cfg.Clock.TickAfter(timeout)
		go func() {
			select {
			case <-tick:
				w.lockIfCurrent(gen)
			case <-w.quit:
			}
		}()
	}
	return nil
}

// Lock locks the keychain immediately and force-rejects every outstanding
// approval: nothing in flight may straddle a lock.
func (w *Wallet) Lock() {
	w.mtx.Lock()
	w.lockGen++
	w.mtx.Unlock()
	w.lockNow()
}

// lockIfCurrent is the timer path: it only fires if no newer Unlock has
// superseded the timer's generation.
func (w *Wallet) lockIfCurrent(gen uint64) {
	w.mtx.Lock()
	current := w.lockGen == gen
	if current {
		w.lockGen++
	}
	w.mtx.Unlock()
	if !current {
		return
	}
	log.Info("Unlock timeout expired, locking wallet")
	w.lockNow()
}

func (w *Wallet) lockNow() {
	w.cfg.KeyChain.Lock()
	if n := w.cfg.Approvals.RejectAll(keychain.ErrLocked); n > 0 {
		log.Infof("Rejected %d pending approval(s) on lock", n)
	}
}

// ChangePassphrase re-keys the keychain.
func (w *Wallet) ChangePassphrase(oldPass, newPass []byte) error {
	return w.cfg.KeyChain.ChangePassphrase(oldPass, newPass)
}

// CreateAccount generates a fresh key and appends the resulting account to
// the portfolio forest.
func (w *Wallet) CreateAccount() (string, error) {
	handle, err := w.cfg.KeyChain.GenerateKey()
	if err != nil {
		return "", err
	}
	address := string(handle)
	_, _, err = w.cfg.Accounts.Execute([]wacctmgr.Mutation{{
		Op:      wacctmgr.OpAddAccount,
		Tree:    wacctmgr.TreePortfolio,
		Address: address,
	}})
	if err != nil {
		return "", err
	}
	return address, nil
}

// Sign signs the payload with the key behind the account address.
func (w *Wallet) Sign(address string, payload []byte) ([]byte, error) {
	return w.cfg.KeyChain.Sign(payload, keychain.KeyHandle(address))
}

// Encrypt encrypts the message to recipientKey on behalf of the account
// address.
func (w *Wallet) Encrypt(address string, message, recipientKey []byte) ([]byte, error) {
	return w.cfg.KeyChain.Encrypt(message, recipientKey,
		keychain.KeyHandle(address))
}

// Decrypt decrypts a ciphertext addressed to the account address.
func (w *Wallet) Decrypt(address string, ciphertext []byte) ([]byte, error) {
	return w.cfg.KeyChain.Decrypt(ciphertext, keychain.KeyHandle(address))
}

// Networks returns the registered networks.
func (w *Wallet) Networks() ([]chain.NetworkInfo, error) {
	raw, err := w.cfg.Store.Get(networksKey)
	if err != nil {
		return nil, err
	}
	var networks []chain.NetworkInfo
	if raw != nil {
		if err := json.Unmarshal(raw, &networks); err != nil {
			return nil, err
		}
	}
	return networks, nil
}

// AddNetwork registers a network, rejecting duplicate chain ids.
func (w *Wallet) AddNetwork(info chain.NetworkInfo) error {
	_, err := w.cfg.Store.Mutate(networksKey, func(raw []byte) ([]byte, bool, error) {
		var networks []chain.NetworkInfo
		if raw != nil {
			if err := json.Unmarshal(raw, &networks); err != nil {
				return nil, false, err
			}
		}
		for _, n := range networks {
			if n.ChainID == info.ChainID {
				return nil, false, ErrDuplicateNetwork
			}
		}
		networks = append(networks, info)
		next, err := json.Marshal(networks)
		if err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
	if err != nil {
		if serr, ok := err.(mutstore.StoreError); ok &&
			errors.Is(serr.Err, ErrDuplicateNetwork) {
			return ErrDuplicateNetwork
		}
		return err
	}
	log.Infof("Registered network %q (%s)", info.Name, info.ChainID)
	return nil
}

// SortedBalances fetches the balance of every catalog account from the
// chain backend and returns the descriptors in catalog display order.
// Addresses the backend cannot answer for are reported with a zero balance
// rather than failing the whole listing.
func (w *Wallet) SortedBalances() ([]wacctmgr.Descriptor, error) {
	catalog, err := w.cfg.Accounts.Catalog()
	if err != nil {
		return nil, err
	}
	descs := make([]wacctmgr.Descriptor, 0, catalog.AccountCount())
	for _, addr := range catalog.Addresses() {
		desc := wacctmgr.Descriptor{Address: addr}
		if w.cfg.Chain != nil {
			balance, err := w.cfg.Chain.FetchBalance(addr)
			if err != nil {
				log.Debugf("No balance for %s: %v", addr, err)
			} else {
				desc.Balance = balance
			}
		}
		descs = append(descs, desc)
	}
	return catalog.SortByCatalogOrder(descs), nil
}
