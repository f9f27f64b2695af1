// Package sitemgr maintains the persisted per-origin authorization records
// the router's page-domain gate consults.  An origin may hold a general
// authorization, an address-scoped one, or both; records survive restarts
// through the mutation store.
package sitemgr

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/keyfold/keyfold/mutstore"
)

// sitesKey is the mutation store key the authorization records are persisted
// under.
const sitesKey = "siteauth"

// Authorization is the stored grant for one origin.
type Authorization struct {
	// Origin is the page origin the grant applies to.
	Origin string `json:"origin"`

	// General grants access to non-address-specific operations such as
	// listing visible accounts.
	General bool `json:"general,omitempty"`

	// Addresses are the individual accounts the origin may request
	// signing and encryption operations against.
	Addresses []string `json:"addresses,omitempty"`

	// GrantedAt is when the user approved the grant.
	GrantedAt time.Time `json:"grantedAt"`
}

// grantsAddress reports whether the grant covers the passed address.
func (a *Authorization) grantsAddress(address string) bool {
	for _, addr := range a.Addresses {
		if addr == address {
			return true
		}
	}
	return false
}

// Manager owns the authorization records.  Reads are served from an
// in-memory copy kept in lockstep with the store; writes go through the
// store's read-modify-write cycle.
type Manager struct {
	mtx   sync.Mutex
	store *mutstore.Store
	clock clock.Clock

	byOrigin map[string]*Authorization
}

// Open loads the persisted records and returns a manager over them.
func Open(store *mutstore.Store, clk clock.Clock) (*Manager, error) {
	raw, err := store.Get(sitesKey)
	if err != nil {
		return nil, err
	}
	byOrigin := make(map[string]*Authorization)
	if raw != nil {
		if err := json.Unmarshal(raw, &byOrigin); err != nil {
			return nil, err
		}
	}
	return &Manager{
		store:    store,
		clock:    clk,
		byOrigin: byOrigin,
	}, nil
}

// persistLocked writes the current record set back to the store.  The caller
// must hold the manager mutex.
func (m *Manager) persistLocked() error {
	raw, err := json.Marshal(m.byOrigin)
	if err != nil {
		return err
	}
	return m.store.Set(sitesKey, raw)
}

// Authorize grants the origin general and/or address-scoped access.  An
// existing grant is widened: general is sticky once set and addresses
// accumulate without duplicates.
func (m *Manager) Authorize(origin string, general bool, addresses []string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	auth := m.byOrigin[origin]
	if auth == nil {
		auth = &Authorization{
			Origin:    origin,
			GrantedAt: m.clock.Now(),
		}
		m.byOrigin[origin] = auth
	}
	if general {
		auth.General = true
	}
	for _, addr := range addresses {
		if !auth.grantsAddress(addr) {
			auth.Addresses = append(auth.Addresses, addr)
		}
	}

	if err := m.persistLocked(); err != nil {
		delete(m.byOrigin, origin)
		return err
	}
	log.Infof("Authorized origin %q (general=%v, %d address(es))", origin,
		auth.General, len(auth.Addresses))
	return nil
}

// IsAuthorized reports whether the origin holds any stored authorization.
func (m *Manager) IsAuthorized(origin string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.byOrigin[origin] != nil
}

// IsGenerallyAuthorized reports whether the origin holds a general grant.
func (m *Manager) IsGenerallyAuthorized(origin string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	auth := m.byOrigin[origin]
	return auth != nil && auth.General
}

// IsAddressAuthorized reports whether the origin may operate on the passed
// address.  A general grant does not imply address access.
func (m *Manager) IsAddressAuthorized(origin, address string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	auth := m.byOrigin[origin]
	return auth != nil && auth.grantsAddress(address)
}

// Get returns a copy of the origin's grant, or nil when none is stored.
func (m *Manager) Get(origin string) *Authorization {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	auth := m.byOrigin[origin]
	if auth == nil {
		return nil
	}
	cp := *auth
	cp.Addresses = append([]string(nil), auth.Addresses...)
	return &cp
}

// List returns a copy of every stored grant, ordered by origin.
func (m *Manager) List() []*Authorization {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	out := make([]*Authorization, 0, len(m.byOrigin))
	for _, auth := range m.byOrigin {
		cp := *auth
		cp.Addresses = append([]string(nil), auth.Addresses...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Origin < out[j].Origin
	})
	return out
}

// Revoke removes the origin's grant entirely.  It reports whether a grant
// existed.
func (m *Manager) Revoke(origin string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	auth, ok := m.byOrigin[origin]
	if !ok {
		return false, nil
	}
	delete(m.byOrigin, origin)
	if err := m.persistLocked(); err != nil {
		m.byOrigin[origin] = auth
		return false, err
	}
	log.Infof("Revoked authorization for origin %q", origin)
	return true, nil
}
