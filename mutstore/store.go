// Package mutstore implements the persisted keyed mutation store every
// stateful component of the daemon is built on.  Values are opaque byte
// slices stored under string keys in a bolt database; every successful write
// is followed by a notification of the full post-write value to the key's
// watchers, and a mutation that reports no change performs neither a write
// nor a notification.
package mutstore

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// valuesBucketName is the name of the single bucket all values live
	// under.
	valuesBucketName = []byte("values")
)

// MutateFunc is the read-modify-write callback passed to Mutate.  It receives
// the current value (nil when the key is absent) and returns the new value
// and whether anything changed.  Returning changed=false skips the write and
// the watcher notification entirely.
type MutateFunc func(current []byte) (next []byte, changed bool, err error)

// Store is a persisted keyed mutation store.  All methods are safe for
// concurrent use; each Mutate call is an atomic read-modify-write against
// its key.
type Store struct {
	db *bolt.DB

	mtx      sync.Mutex
	watchers map[string][]chan []byte
}

// Open opens (creating if necessary) the store database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, storeError(ErrDatabase, "failed to open database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(valuesBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, storeError(ErrDatabase, "failed to create values bucket", err)
	}
	log.Debugf("Opened store at %s", dbPath)
	return &Store{
		db:       db,
		watchers: make(map[string][]chan []byte),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key, or nil when the key is absent.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(valuesBucketName).Get([]byte(key))
		if v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	if err != nil {
		return nil, storeError(ErrDatabase, "failed to fetch value", err)
	}
	return value, nil
}

// Set unconditionally stores value under key and notifies the key's
// watchers.
func (s *Store) Set(key string, value []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(valuesBucketName).Put([]byte(key), value)
	})
	if err != nil {
		return storeError(ErrDatabase, "failed to store value", err)
	}
	s.notify(key, value)
	return nil
}

// Mutate runs fn against the current value of key as one atomic
// read-modify-write step.  The write and the watcher notification only
// happen when fn reports a change.  The post-mutation value is returned
// either way.
func (s *Store) Mutate(key string, fn MutateFunc) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var next []byte
	var changed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(valuesBucketName)
		current := bucket.Get([]byte(key))
		var cur []byte
		if current != nil {
			cur = make([]byte, len(current))
			copy(cur, current)
		}

		var err error
		next, changed, err = fn(cur)
		if err != nil {
			return err
		}
		if !changed {
			next = cur
			return nil
		}
		return bucket.Put([]byte(key), next)
	})
	if err != nil {
		if _, ok := err.(StoreError); ok {
			return nil, err
		}
		return nil, storeError(ErrMutate, "mutation failed", err)
	}
	if changed {
		s.notify(key, next)
	}
	return next, nil
}

// Watch registers a watcher for key.  The returned channel delivers the full
// value after every successful write to the key until cancel is called.  A
// watcher that falls behind has the oldest pending notification dropped in
// favor of the newest, so the last value observed is always current.
func (s *Store) Watch(key string) (<-chan []byte, func()) {
	ch := make(chan []byte, 1)

	s.mtx.Lock()
	s.watchers[key] = append(s.watchers[key], ch)
	s.mtx.Unlock()

	cancel := func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		ws := s.watchers[key]
		for i, w := range ws {
			if w == ch {
				s.watchers[key] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// notify delivers value to every watcher of key.  The caller must hold the
// store mutex, which also orders notifications with their writes.
func (s *Store) notify(key string, value []byte) {
	for _, ch := range s.watchers[key] {
		select {
		case ch <- value:
		default:
			// Drop the stale pending value and replace it with the
			// current one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- value:
			default:
			}
		}
	}
}

// storeError creates a StoreError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) StoreError {
	return StoreError{ErrorCode: c, Description: desc, Err: err}
}

// StoreError provides a single type for errors that can happen during store
// operation.
type StoreError struct {
	ErrorCode   ErrorCode
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Description, e.Err)
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e StoreError) Unwrap() error {
	return e.Err
}

// ErrorCode identifies a category of store error.
type ErrorCode uint8

// Store error codes.
const (
	// ErrDatabase indicates an error with the underlying database.
	ErrDatabase ErrorCode = iota

	// ErrMutate indicates a mutation callback returned an error.
	ErrMutate
)

// IsError returns whether the error is a StoreError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	serr, ok := err.(StoreError)
	return ok && serr.ErrorCode == code
}
