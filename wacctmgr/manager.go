package wacctmgr

import (
	"encoding/json"
	"sync"

	"github.com/keyfold/keyfold/mutstore"
)

// catalogKey is the mutation store key the whole catalog is persisted under.
const catalogKey = "acctcatalog"

// Manager serializes every read-modify-write cycle against the persisted
// catalog behind a single mutex, so two callers batching mutations from
// different suspended contexts can never interleave their cycles and lose
// updates.  All tree writes in the process must go through the same Manager.
type Manager struct {
	mtx   sync.Mutex
	store *mutstore.Store
}

// Open returns a manager over the passed mutation store, persisting an empty
// catalog on first use.
func Open(store *mutstore.Store) (*Manager, error) {
	m := &Manager{store: store}
	raw, err := store.Get(catalogKey)
	if err != nil {
		return nil, managerError(ErrDatabase, "failed to load catalog", err)
	}
	if raw == nil {
		empty, err := json.Marshal(NewCatalog())
		if err != nil {
			return nil, managerError(ErrEncode, "failed to encode empty catalog", err)
		}
		if err := store.Set(catalogKey, empty); err != nil {
			return nil, managerError(ErrDatabase, "failed to store empty catalog", err)
		}
	}
	return m, nil
}

// decodeCatalog unmarshals a persisted catalog, tolerating a nil value.
func decodeCatalog(raw []byte) (*Catalog, error) {
	if raw == nil {
		return NewCatalog(), nil
	}
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, managerError(ErrDecode, "corrupt catalog", err)
	}
	if c.Portfolio == nil {
		c.Portfolio = Tree{}
	}
	if c.Watched == nil {
		c.Watched = Tree{}
	}
	return &c, nil
}

// Catalog returns a private copy of the persisted catalog.
func (m *Manager) Catalog() (*Catalog, error) {
	raw, err := m.store.Get(catalogKey)
	if err != nil {
		return nil, managerError(ErrDatabase, "failed to load catalog", err)
	}
	return decodeCatalog(raw)
}

// Execute applies an ordered mutation batch as one atomic
// read-modify-write step and reports whether anything changed.  The write
// and the store notification are skipped entirely for a no-op batch.  The
// post-batch catalog is returned either way.
func (m *Manager) Execute(muts []Mutation) (bool, *Catalog, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var result *Catalog
	var batchChanged bool
	_, err := m.store.Mutate(catalogKey, func(raw []byte) ([]byte, bool, error) {
		c, err := decodeCatalog(raw)
		if err != nil {
			return nil, false, err
		}
		changed, err := ExecuteMutations(c, muts)
		if err != nil {
			return nil, false, err
		}
		result = c
		batchChanged = changed
		if !changed {
			return nil, false, nil
		}
		next, err := json.Marshal(c)
		if err != nil {
			return nil, false, managerError(ErrEncode,
				"failed to encode catalog", err)
		}
		return next, true, nil
	})
	if err != nil {
		if merr, ok := err.(ManagerError); ok {
			return false, nil, merr
		}
		if serr, ok := err.(mutstore.StoreError); ok {
			if merr, ok := serr.Err.(ManagerError); ok {
				return false, nil, merr
			}
		}
		return false, nil, managerError(ErrDatabase,
			"failed to mutate catalog", err)
	}
	if batchChanged {
		log.Debugf("Applied %d catalog mutation(s)", len(muts))
	}
	return batchChanged, result, nil
}

// Watch returns a stream of raw post-write catalog values, delivered after
// every batch that changed state.  The cancel func must be called when the
// subscriber goes away.
func (m *Manager) Watch() (<-chan []byte, func()) {
	return m.store.Watch(catalogKey)
}
