package keychain

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/mutstore"
)

var testPass = []byte("correct horse battery staple")

func testManager(t *testing.T) (*Manager, *mutstore.Store) {
	t.Helper()
	store, err := mutstore.Open(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	m, err := Create(store, testPass, &FastScryptOptions)
	require.NoError(t, err)
	return m, store
}

// TestCreateOpenUnlock covers initialization, reopening locked, and
// passphrase verification.
func TestCreateOpenUnlock(t *testing.T) {
	m, store := testManager(t)
	require.False(t, m.Locked())

	_, err := Create(store, testPass, &FastScryptOptions)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	reopened, err := Open(store)
	require.NoError(t, err)
	require.True(t, reopened.Locked())

	require.ErrorIs(t, reopened.Unlock([]byte("wrong")), ErrWrongPassphrase)
	require.True(t, reopened.Locked())

	require.NoError(t, reopened.Unlock(testPass))
	require.False(t, reopened.Locked())

	reopened.Lock()
	require.True(t, reopened.Locked())
}

// TestSignVerify ensures signatures verify against the stored public key
// and signing fails while locked or for unknown handles.
func TestSignVerify(t *testing.T) {
	m, _ := testManager(t)

	handle, err := m.GenerateKey()
	require.NoError(t, err)

	payload := []byte("spend 1 coin")
	sig, err := m.Sign(payload, handle)
	require.NoError(t, err)

	signPub, _, err := m.PublicKeys(handle)
	require.NoError(t, err)
	require.True(t, ed25519.Verify(ed25519.PublicKey(signPub), payload, sig))

	_, err = m.Sign(payload, "kf1deadbeef")
	require.ErrorIs(t, err, ErrUnknownKey)

	m.Lock()
	_, err = m.Sign(payload, handle)
	require.ErrorIs(t, err, ErrLocked)
	_, err = m.GenerateKey()
	require.ErrorIs(t, err, ErrLocked)
}

// TestEncryptDecrypt ensures a message encrypted to a recipient's box key
// opens only with that recipient's handle, and tampering is rejected.
func TestEncryptDecrypt(t *testing.T) {
	m, _ := testManager(t)

	sender, err := m.GenerateKey()
	require.NoError(t, err)
	recipient, err := m.GenerateKey()
	require.NoError(t, err)

	_, recipientBoxPub, err := m.PublicKeys(recipient)
	require.NoError(t, err)

	message := []byte("the watchword is swordfish")
	ct, err := m.Encrypt(message, recipientBoxPub, sender)
	require.NoError(t, err)

	got, err := m.Decrypt(ct, recipient)
	require.NoError(t, err)
	require.Equal(t, message, got)

	// The wrong recipient cannot open it.
	_, err = m.Decrypt(ct, sender)
	require.ErrorIs(t, err, ErrMalformedCiphertext)

	// Flipping a ciphertext byte breaks authentication.
	ct[len(ct)-1] ^= 0x01
	_, err = m.Decrypt(ct, recipient)
	require.ErrorIs(t, err, ErrMalformedCiphertext)

	_, err = m.Decrypt([]byte("short"), recipient)
	require.ErrorIs(t, err, ErrMalformedCiphertext)
}

// TestChangePassphrase ensures keys reseal under the new passphrase and the
// old one stops working.
func TestChangePassphrase(t *testing.T) {
	m, store := testManager(t)

	handle, err := m.GenerateKey()
	require.NoError(t, err)

	newPass := []byte("better passphrase")
	require.ErrorIs(t, m.ChangePassphrase([]byte("wrong"), newPass),
		ErrWrongPassphrase)
	require.NoError(t, m.ChangePassphrase(testPass, newPass))

	// Still usable in place.
	_, err = m.Sign([]byte("x"), handle)
	require.NoError(t, err)

	reopened, err := Open(store)
	require.NoError(t, err)
	require.ErrorIs(t, reopened.Unlock(testPass), ErrWrongPassphrase)
	require.NoError(t, reopened.Unlock(newPass))
	_, err = reopened.Sign([]byte("x"), handle)
	require.NoError(t, err)
}
