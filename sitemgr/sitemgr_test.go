package sitemgr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/mutstore"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *mutstore.Store {
	t.Helper()
	s, err := mutstore.Open(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestAuthorizeAndQuery covers the grant scopes: general does not imply
// address access and vice versa, and grants widen rather than replace.
func TestAuthorizeAndQuery(t *testing.T) {
	m, err := Open(testStore(t), clock.NewTestClock(testTime))
	require.NoError(t, err)

	const origin = "https://dapp.example"
	require.False(t, m.IsAuthorized(origin))

	require.NoError(t, m.Authorize(origin, true, nil))
	require.True(t, m.IsAuthorized(origin))
	require.True(t, m.IsGenerallyAuthorized(origin))
	require.False(t, m.IsAddressAuthorized(origin, "a1"))

	require.NoError(t, m.Authorize(origin, false, []string{"a1", "a1"}))
	require.True(t, m.IsAddressAuthorized(origin, "a1"))
	require.False(t, m.IsAddressAuthorized(origin, "a2"))

	// General stays sticky and addresses did not duplicate.
	auth := m.Get(origin)
	require.True(t, auth.General)
	require.Equal(t, []string{"a1"}, auth.Addresses)
	require.Equal(t, testTime, auth.GrantedAt)
}

// TestPersistenceAcrossReopen ensures grants survive a manager reopen over
// the same store.
func TestPersistenceAcrossReopen(t *testing.T) {
	store := testStore(t)
	clk := clock.NewTestClock(testTime)

	m, err := Open(store, clk)
	require.NoError(t, err)
	require.NoError(t, m.Authorize("https://dapp.example", false, []string{"a1"}))

	reopened, err := Open(store, clk)
	require.NoError(t, err)
	require.True(t, reopened.IsAddressAuthorized("https://dapp.example", "a1"))
}

// TestRevoke ensures revocation removes the grant and reports whether one
// existed.
func TestRevoke(t *testing.T) {
	m, err := Open(testStore(t), clock.NewTestClock(testTime))
	require.NoError(t, err)

	require.NoError(t, m.Authorize("https://dapp.example", true, nil))

	ok, err := m.Revoke("https://dapp.example")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, m.IsAuthorized("https://dapp.example"))

	ok, err = m.Revoke("https://dapp.example")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestList ensures listing returns private copies ordered by origin.
func TestList(t *testing.T) {
	m, err := Open(testStore(t), clock.NewTestClock(testTime))
	require.NoError(t, err)

	require.NoError(t, m.Authorize("https://b.example", true, nil))
	require.NoError(t, m.Authorize("https://a.example", false, []string{"a1"}))

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, "https://a.example", list[0].Origin)
	require.Equal(t, "https://b.example", list[1].Origin)

	// Mutating the copy must not affect stored state.
	list[0].Addresses[0] = "tampered"
	require.True(t, m.IsAddressAuthorized("https://a.example", "a1"))
}
