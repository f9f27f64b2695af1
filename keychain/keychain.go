// Package keychain provides the narrow cryptographic collaborator interface
// the rest of the daemon consumes, plus the default implementation.  The
// core passes opaque key handles and raw bytes only; nothing outside this
// package touches key material or algorithm choices.
package keychain

import "errors"

// KeyHandle is an opaque reference to a stored key.  Callers obtain handles
// from key generation and treat them as unstructured strings.
type KeyHandle string

// KeyChain is the collaborator interface consumed by the wallet
// orchestrator and the router's signing and encryption handlers.
type KeyChain interface {
	// Sign signs the payload with the key behind handle.
	Sign(payload []byte, handle KeyHandle) ([]byte, error)

	// Encrypt encrypts message to recipientKey, authenticated by the key
	// behind handle.
	Encrypt(message, recipientKey []byte, handle KeyHandle) ([]byte, error)

	// Decrypt decrypts a ciphertext produced by Encrypt addressed to the
	// key behind handle.
	Decrypt(ciphertext []byte, handle KeyHandle) ([]byte, error)
}

var (
	// ErrLocked is returned when an operation requires key material but
	// the keychain is locked.
	ErrLocked = errors.New("keychain is locked")

	// ErrWrongPassphrase is returned by Unlock when the passphrase does
	// not match.
	ErrWrongPassphrase = errors.New("invalid passphrase for keychain")

	// ErrUnknownKey is returned when no key is stored under the passed
	// handle.
	ErrUnknownKey = errors.New("unknown key handle")

	// ErrAlreadyInitialized is returned by Create when the store already
	// holds keychain metadata.
	ErrAlreadyInitialized = errors.New("keychain already initialized")

	// ErrNotInitialized is returned by Open when the store holds no
	// keychain metadata yet.
	ErrNotInitialized = errors.New("keychain not initialized")

	// ErrMalformedCiphertext is returned by Decrypt for ciphertexts that
	// are too short or fail authentication.
	ErrMalformedCiphertext = errors.New("malformed or forged ciphertext")
)
