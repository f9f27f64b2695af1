package wallet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/approval"
	"github.com/keyfold/keyfold/chain"
	"github.com/keyfold/keyfold/keychain"
	"github.com/keyfold/keyfold/mutstore"
	"github.com/keyfold/keyfold/sitemgr"
	"github.com/keyfold/keyfold/wacctmgr"
)

var (
	testPass = []byte("pass")
	testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testWallet(t *testing.T) (*Wallet, *clock.TestClock) {
	t.Helper()

	store, err := mutstore.Open(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewTestClock(testTime)
	kc, err := keychain.Create(store, testPass, &keychain.FastScryptOptions)
	require.NoError(t, err)
	accts, err := wacctmgr.Open(store)
	require.NoError(t, err)
	sites, err := sitemgr.Open(store, clk)
	require.NoError(t, err)

	w := New(Config{
		Store:     store,
		KeyChain:  kc,
		Accounts:  accts,
		Sites:     sites,
		Approvals: approval.NewQueue(clk),
		Clock:     clk,
	})
	t.Cleanup(w.Stop)
	return w, clk
}

// TestCreateAccountAddsToCatalog ensures key generation lands the new
// address in the portfolio forest.
func TestCreateAccountAddsToCatalog(t *testing.T) {
	w, _ := testWallet(t)

	address, err := w.CreateAccount()
	require.NoError(t, err)
	require.NotEmpty(t, address)

	catalog, err := w.Accounts().Catalog()
	require.NoError(t, err)
	require.Equal(t, []string{address}, catalog.Addresses())

	// Signing through the wallet round-trips the keychain.
	_, err = w.Sign(address, []byte("payload"))
	require.NoError(t, err)
}

// TestLockRejectsPendingApprovals ensures an explicit lock force-rejects
// everything in the approval queue.
func TestLockRejectsPendingApprovals(t *testing.T) {
	w, _ := testWallet(t)

	req, err := w.Approvals().Create(approval.KindSign,
		"https://dapp.example", "chan-1", nil)
	require.NoError(t, err)

	w.Lock()
	require.True(t, w.Locked())

	select {
	case o := <-req.Done():
		require.ErrorIs(t, o.Err, keychain.ErrLocked)
	case <-time.After(time.Second):
		t.Fatal("pending approval not rejected on lock")
	}
}

// TestUnlockTimeoutLocks ensures the armed timer locks the wallet when the
// clock passes the deadline, and that a fresh Unlock supersedes an earlier
// timer.
func TestUnlockTimeoutLocks(t *testing.T) {
	w, clk := testWallet(t)

	w.Lock()
	require.NoError(t, w.Unlock(testPass, time.Minute))
	require.False(t, w.Locked())

	clk.SetTime(testTime.Add(2 * time.Minute))
	require.Eventually(t, w.Locked, time.Second, 10*time.Millisecond)

	// Re-arm, then supersede with a longer timeout before expiry; the
	// stale timer must not lock the wallet.
	require.NoError(t, w.Unlock(testPass, time.Minute))
	require.NoError(t, w.Unlock(testPass, time.Hour))
	clk.SetTime(testTime.Add(10 * time.Minute))
	time.Sleep(50 * time.Millisecond)
	require.False(t, w.Locked())
}

// TestNetworks covers registration, listing and duplicate rejection.
func TestNetworks(t *testing.T) {
	w, _ := testWallet(t)

	networks, err := w.Networks()
	require.NoError(t, err)
	require.Empty(t, networks)

	info := chain.NetworkInfo{ChainID: "1", Name: "mainnet", RPCURL: "wss://rpc"}
	require.NoError(t, w.AddNetwork(info))
	require.ErrorIs(t, w.AddNetwork(info), ErrDuplicateNetwork)

	networks, err = w.Networks()
	require.NoError(t, err)
	require.Equal(t, []chain.NetworkInfo{info}, networks)
}
