package keychain

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"sync"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/keyfold/keyfold/internal/zero"
	"github.com/keyfold/keyfold/mutstore"
)

// metaKey is the mutation store key the keychain metadata is persisted
// under.  Only sealed material and public parameters live there.
const metaKey = "keychainmeta"

// saltSize is the number of bytes of the salt used when hashing private
// passphrases.
const saltSize = 32

// ScryptOptions is used to hold the scrypt parameters needed when deriving
// new passphrase keys.
type ScryptOptions struct {
	N, R, P int
}

// DefaultScryptOptions is the default options used with scrypt.
var DefaultScryptOptions = ScryptOptions{
	N: 262144, // 2^18
	R: 8,
	P: 1,
}

// FastScryptOptions are the scrypt options that should be used for testing
// purposes only where speed is more important than security.
var FastScryptOptions = ScryptOptions{
	N: 16,
	R: 8,
	P: 1,
}

// storedKey is the persisted form of one key pair.  SealedPriv is the
// secretbox of the 32-byte ed25519 seed followed by the 32-byte box private
// scalar, sealed under the passphrase-derived master key.
type storedKey struct {
	Address    string `json:"address"`
	PubKey     []byte `json:"pubKey"`
	BoxPub     []byte `json:"boxPub"`
	SealedPriv []byte `json:"sealedPriv"`
}

// metadata is the persisted keychain state: scrypt parameters, passphrase
// verification hash, and the sealed keys indexed by handle.
type metadata struct {
	Salt     []byte                   `json:"salt"`
	N        int                      `json:"n"`
	R        int                      `json:"r"`
	P        int                      `json:"p"`
	PassHash []byte                   `json:"passHash"`
	Keys     map[KeyHandle]*storedKey `json:"keys"`
}

// Manager is the default KeyChain implementation.  Private material only
// exists unsealed while the manager is unlocked, and is explicitly zeroed on
// lock.
type Manager struct {
	mtx   sync.Mutex
	store *mutstore.Store

	meta *metadata

	// masterKey is the passphrase-derived secretbox key.  It is nil while
	// locked.
	masterKey *[32]byte
}

// Create initializes keychain metadata in the store with the passed
// passphrase and scrypt parameters, and returns the manager unlocked.
func Create(store *mutstore.Store, passphrase []byte, opts *ScryptOptions) (*Manager, error) {
	if opts == nil {
		opts = &DefaultScryptOptions
	}
	raw, err := store.Get(metaKey)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		return nil, ErrAlreadyInitialized
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	master, err := deriveKey(passphrase, salt, opts.N, opts.R, opts.P)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(master[:])

	m := &Manager{
		store: store,
		meta: &metadata{
			Salt:     salt,
			N:        opts.N,
			R:        opts.R,
			P:        opts.P,
			PassHash: hash[:],
			Keys:     make(map[KeyHandle]*storedKey),
		},
		masterKey: master,
	}
	if err := m.persistLocked(); err != nil {
		zero.Bytea32(master)
		return nil, err
	}
	return m, nil
}

// Open loads existing keychain metadata from the store.  The manager starts
// locked.
func Open(store *mutstore.Store) (*Manager, error) {
	raw, err := store.Get(metaKey)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotInitialized
	}
	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	if meta.Keys == nil {
		meta.Keys = make(map[KeyHandle]*storedKey)
	}
	return &Manager{store: store, meta: &meta}, nil
}

// deriveKey runs scrypt over the passphrase and returns the 32-byte master
// key.
func deriveKey(passphrase, salt []byte, n, r, p int) (*[32]byte, error) {
	derived, err := scrypt.Key(passphrase, salt, n, r, p, 32)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], derived)
	zero.Bytes(derived)
	return &key, nil
}

// persistLocked writes the metadata back to the store.  The caller must hold
// the manager mutex (or, during Create, exclusive ownership).
func (m *Manager) persistLocked() error {
	raw, err := json.Marshal(m.meta)
	if err != nil {
		return err
	}
	return m.store.Set(metaKey, raw)
}

// Unlock derives the master key from the passphrase and verifies it against
// the stored hash.  Unlocking an unlocked manager re-verifies the
// passphrase.
func (m *Manager) Unlock(passphrase []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	master, err := deriveKey(passphrase, m.meta.Salt, m.meta.N, m.meta.R,
		m.meta.P)
	if err != nil {
		return err
	}
	hash := sha256.Sum256(master[:])
	if subtle.ConstantTimeCompare(hash[:], m.meta.PassHash) != 1 {
		zero.Bytea32(master)
		return ErrWrongPassphrase
	}
	if m.masterKey != nil {
		zero.Bytea32(m.masterKey)
	}
	m.masterKey = master
	log.Info("Keychain unlocked")
	return nil
}

// Lock zeroes the cached master key.  Locking a locked manager is a no-op.
func (m *Manager) Lock() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.masterKey == nil {
		return
	}
	zero.Bytea32(m.masterKey)
	m.masterKey = nil
	log.Info("Keychain locked")
}

// Locked reports whether the manager currently holds no master key.
func (m *Manager) Locked() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.masterKey == nil
}

// ChangePassphrase re-derives the master key from the new passphrase and
// reseals every stored key under it.  The old passphrase must verify first.
func (m *Manager) ChangePassphrase(oldPass, newPass []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	oldMaster, err := deriveKey(oldPass, m.meta.Salt, m.meta.N, m.meta.R, m.meta.P)
	if err != nil {
		return err
	}
	defer zero.Bytea32(oldMaster)
	hash := sha256.Sum256(oldMaster[:])
	if subtle.ConstantTimeCompare(hash[:], m.meta.PassHash) != 1 {
		return ErrWrongPassphrase
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	newMaster, err := deriveKey(newPass, salt, m.meta.N, m.meta.R, m.meta.P)
	if err != nil {
		return err
	}

	resealed := make(map[KeyHandle]*storedKey, len(m.meta.Keys))
	for handle, sk := range m.meta.Keys {
		priv, err := openSealed(sk.SealedPriv, oldMaster)
		if err != nil {
			zero.Bytea32(newMaster)
			return err
		}
		sealed, err := seal(priv, newMaster)
		zero.Bytes(priv)
		if err != nil {
			zero.Bytea32(newMaster)
			return err
		}
		cp := *sk
		cp.SealedPriv = sealed
		resealed[handle] = &cp
	}

	oldMeta := *m.meta
	newHash := sha256.Sum256(newMaster[:])
	m.meta.Salt = salt
	m.meta.PassHash = newHash[:]
	m.meta.Keys = resealed
	if err := m.persistLocked(); err != nil {
		*m.meta = oldMeta
		zero.Bytea32(newMaster)
		return err
	}
	if m.masterKey != nil {
		zero.Bytea32(m.masterKey)
	}
	m.masterKey = newMaster
	return nil
}

// GenerateKey creates a fresh signing and encryption key pair, seals the
// private halves under the master key, persists them, and returns the new
// handle.  The handle doubles as the account address.
func (m *Manager) GenerateKey() (KeyHandle, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.masterKey == nil {
		return "", ErrLocked
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}

	priv := make([]byte, 0, ed25519.SeedSize+32)
	priv = append(priv, signPriv.Seed()...)
	priv = append(priv, boxPriv[:]...)
	sealed, err := seal(priv, m.masterKey)
	zero.Bytes(priv)
	zero.Bytes(signPriv)
	zero.Bytea32(boxPriv)
	if err != nil {
		return "", err
	}

	addrHash := sha256.Sum256(signPub)
	address := "kf1" + hex.EncodeToString(addrHash[:20])
	handle := KeyHandle(address)

	m.meta.Keys[handle] = &storedKey{
		Address:    address,
		PubKey:     append([]byte(nil), signPub...),
		BoxPub:     boxPub[:],
		SealedPriv: sealed,
	}
	if err := m.persistLocked(); err != nil {
		delete(m.meta.Keys, handle)
		return "", err
	}
	log.Infof("Generated key %s", address)
	return handle, nil
}

// Handles returns every stored key handle.
func (m *Manager) Handles() []KeyHandle {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]KeyHandle, 0, len(m.meta.Keys))
	for handle := range m.meta.Keys {
		out = append(out, handle)
	}
	return out
}

// PublicKeys returns the signing and encryption public keys behind handle.
func (m *Manager) PublicKeys(handle KeyHandle) (signPub, boxPub []byte, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	sk, ok := m.meta.Keys[handle]
	if !ok {
		return nil, nil, ErrUnknownKey
	}
	return append([]byte(nil), sk.PubKey...),
		append([]byte(nil), sk.BoxPub...), nil
}

// openPriv unseals the private halves behind handle.  The caller must hold
// the manager mutex, and must zero the returned slices when done.
func (m *Manager) openPriv(handle KeyHandle) (ed25519.PrivateKey, *[32]byte, error) {
	if m.masterKey == nil {
		return nil, nil, ErrLocked
	}
	sk, ok := m.meta.Keys[handle]
	if !ok {
		return nil, nil, ErrUnknownKey
	}
	priv, err := openSealed(sk.SealedPriv, m.masterKey)
	if err != nil {
		return nil, nil, err
	}
	if len(priv) != ed25519.SeedSize+32 {
		zero.Bytes(priv)
		return nil, nil, ErrMalformedCiphertext
	}
	signPriv := ed25519.NewKeyFromSeed(priv[:ed25519.SeedSize])
	var boxPriv [32]byte
	copy(boxPriv[:], priv[ed25519.SeedSize:])
	zero.Bytes(priv)
	return signPriv, &boxPriv, nil
}

// Sign signs the payload with the ed25519 key behind handle.
func (m *Manager) Sign(payload []byte, handle KeyHandle) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	signPriv, boxPriv, err := m.openPriv(handle)
	if err != nil {
		return nil, err
	}
	defer zero.Bytes(signPriv)
	defer zero.Bytea32(boxPriv)

	return ed25519.Sign(signPriv, payload), nil
}

// Encrypt encrypts message to the 32-byte recipient box public key,
// authenticated by the box key behind handle.  The wire layout is the
// sender's box public key, the nonce, then the sealed box.
func (m *Manager) Encrypt(message, recipientKey []byte, handle KeyHandle) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if len(recipientKey) != 32 {
		return nil, ErrMalformedCiphertext
	}
	signPriv, boxPriv, err := m.openPriv(handle)
	if err != nil {
		return nil, err
	}
	defer zero.Bytes(signPriv)
	defer zero.Bytea32(boxPriv)

	sk := m.meta.Keys[handle]
	var recipient [32]byte
	copy(recipient[:], recipientKey)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 32+24+len(message)+box.Overhead)
	out = append(out, sk.BoxPub...)
	out = append(out, nonce[:]...)
	return box.Seal(out, message, &nonce, &recipient, boxPriv), nil
}

// Decrypt opens a ciphertext produced by Encrypt that was addressed to the
// box key behind handle.
func (m *Manager) Decrypt(ciphertext []byte, handle KeyHandle) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if len(ciphertext) < 32+24+box.Overhead {
		return nil, ErrMalformedCiphertext
	}
	signPriv, boxPriv, err := m.openPriv(handle)
	if err != nil {
		return nil, err
	}
	defer zero.Bytes(signPriv)
	defer zero.Bytea32(boxPriv)

	var senderPub [32]byte
	copy(senderPub[:], ciphertext[:32])
	var nonce [24]byte
	copy(nonce[:], ciphertext[32:56])

	message, ok := box.Open(nil, ciphertext[56:], &nonce, &senderPub, boxPriv)
	if !ok {
		return nil, ErrMalformedCiphertext
	}
	return message, nil
}

// seal secretboxes the plaintext under key with a fresh nonce prepended.
func seal(plaintext []byte, key *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// openSealed reverses seal.
func openSealed(sealed []byte, key *[32]byte) ([]byte, error) {
	if len(sealed) < 24+secretbox.Overhead {
		return nil, ErrMalformedCiphertext
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, key)
	if !ok {
		return nil, ErrMalformedCiphertext
	}
	return plaintext, nil
}
