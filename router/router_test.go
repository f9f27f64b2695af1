package router

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/keyfold/keyfold/approval"
	"github.com/keyfold/keyfold/keychain"
	"github.com/keyfold/keyfold/mutstore"
	"github.com/keyfold/keyfold/sitemgr"
	"github.com/keyfold/keyfold/transport"
	"github.com/keyfold/keyfold/wacctmgr"
	"github.com/keyfold/keyfold/wallet"
)

const testOrigin = "https://dapp.example"

var testPass = []byte("pass")

func testRouter(t *testing.T, cfgMod func(*Config)) (*Router, *wallet.Wallet) {
	t.Helper()

	store, err := mutstore.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewTestClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	kc, err := keychain.Create(store, testPass, &keychain.FastScryptOptions)
	require.NoError(t, err)
	accts, err := wacctmgr.Open(store)
	require.NoError(t, err)
	sites, err := sitemgr.Open(store, clk)
	require.NoError(t, err)

	w := wallet.New(wallet.Config{
		Store:     store,
		KeyChain:  kc,
		Accounts:  accts,
		Sites:     sites,
		Approvals: approval.NewQueue(clk),
		Clock:     clk,
	})
	t.Cleanup(w.Stop)

	cfg := Config{Wallet: w}
	if cfgMod != nil {
		cfgMod(&cfg)
	}
	return New(cfg), w
}

// serve runs the router's serve loop for the pipe until test cleanup.
func serve(t *testing.T, r *Router, p *transport.Pipe) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		r.ServeChannel(p)
		close(done)
	}()
	t.Cleanup(func() {
		p.Close()
		<-done
	})
}

// awaitResponse waits for the terminal response (success or error) to the
// envelope id.
func awaitResponse(t *testing.T, p *transport.Pipe, id string) *transport.Response {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, resp := range p.Sent() {
			if resp.ID == id && resp.Subscription == nil {
				return resp
			}
		}
		select {
		case <-p.Notify():
		case <-deadline:
			t.Fatalf("no response for envelope %q", id)
		}
	}
}

// awaitPush waits until at least n subscription pushes for the envelope id
// have arrived and returns them.
func awaitPush(t *testing.T, p *transport.Pipe, id string, n int) []json.RawMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		var pushes []json.RawMessage
		for _, resp := range p.Sent() {
			if resp.ID == id && resp.Subscription != nil {
				pushes = append(pushes, resp.Subscription)
			}
		}
		if len(pushes) >= n {
			return pushes
		}
		select {
		case <-p.Notify():
		case <-deadline:
			t.Fatalf("got %d push(es) for %q, want %d", len(pushes), id, n)
		}
	}
}

// call submits an envelope and waits for its terminal response.
func call(t *testing.T, p *transport.Pipe, id, kind string, payload interface{}) *transport.Response {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	p.Submit(transport.Envelope{ID: id, Kind: kind, Payload: raw})
	return awaitResponse(t, p, id)
}

func requireErrCode(t *testing.T, resp *transport.Response, code transport.ErrorCode) {
	t.Helper()
	require.NotNil(t, resp.Error)
	require.Equal(t, code, resp.Error.Code)
}

func decodeResult(t *testing.T, resp *transport.Response, dst interface{}) {
	t.Helper()
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Response, dst))
}

// waitPending blocks until exactly one request of the kind is outstanding.
func waitPending(t *testing.T, w *wallet.Wallet, kind approval.Kind) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.Approvals().Counts()[kind] == 1
	}, time.Second, 10*time.Millisecond)
}

// pendingID fetches the id of the single outstanding request of a kind via
// the pending namespace.
func pendingID(t *testing.T, ui *transport.Pipe, envID string, kind approval.Kind) string {
	t.Helper()
	var listing struct {
		Requests []requestView `json:"requests"`
	}
	decodeResult(t, call(t, ui, envID, "pending.list", kindPayload{Kind: kind}),
		&listing)
	require.Len(t, listing.Requests, 1)
	return listing.Requests[0].ID
}

// TestKindTable ensures every registered kind is namespaced and the central
// unsubscribe kind is not shadowed by a namespace handler.
func TestKindTable(t *testing.T) {
	r, _ := testRouter(t, nil)
	for _, kind := range r.Kinds() {
		require.Contains(t, kind, ".", "kind %q is not namespaced", kind)
		require.NotEqual(t, unsubscribeKind, kind)
	}
}

// TestUnknownKindRejected ensures an unrecognized kind fails only the one
// request and leaves the channel serving.
func TestUnknownKindRejected(t *testing.T) {
	r, _ := testRouter(t, nil)
	ui := transport.NewPipe(transport.DomainUI, "")
	serve(t, r, ui)

	requireErrCode(t, call(t, ui, "e1", "bogus.kind", nil),
		transport.ErrCodeInvalidRequest)

	var status statusResult
	decodeResult(t, call(t, ui, "e2", "wallet.status", nil), &status)
	require.False(t, status.Locked)
}

// TestPageGate ensures page callers without a stored grant are rejected
// before dispatch, and trusted-only kinds are never servable from a page.
func TestPageGate(t *testing.T) {
	r, _ := testRouter(t, nil)
	page := transport.NewPipe(transport.DomainPage, testOrigin)
	serve(t, r, page)

	requireErrCode(t, call(t, page, "e1", "accounts.list", nil),
		transport.ErrCodeUnauthorized)
	requireErrCode(t, call(t, page, "e2", "wallet.lock", nil),
		transport.ErrCodeUnauthorized)
	requireErrCode(t, call(t, page, "e3", "accounts.catalog.mutate",
		catalogMutatePayload{}), transport.ErrCodeUnauthorized)
}

// TestSiteAuthorizationFlow walks the full grant cycle: a page requests
// authorization, the trusted UI approves it, and the page's deferred
// response carries the stored grant.
func TestSiteAuthorizationFlow(t *testing.T) {
	r, w := testRouter(t, nil)
	ui := transport.NewPipe(transport.DomainUI, "")
	page := transport.NewPipe(transport.DomainPage, testOrigin)
	serve(t, r, ui)
	serve(t, r, page)

	page.Submit(transport.Envelope{
		ID:      "auth-1",
		Kind:    "sites.requestAuthorization",
		Payload: json.RawMessage(`{"general":true}`),
	})

	// The page gets no answer until the UI decides; a second request from
	// the same origin is suppressed immediately.
	waitPending(t, w, approval.KindSiteAuth)
	requireErrCode(t, call(t, page, "auth-2", "sites.requestAuthorization",
		siteAuthPayload{General: true}), transport.ErrCodeDuplicateRequest)

	id := pendingID(t, ui, "list-1", approval.KindSiteAuth)
	var grant sitemgr.Authorization
	decodeResult(t, call(t, ui, "approve-1", "sites.approve", idPayload{ID: id}),
		&grant)
	require.True(t, grant.General)

	resp := awaitResponse(t, page, "auth-1")
	require.Nil(t, resp.Error)

	// The grant is live: the page can now list visible accounts.
	var listing accountListResult
	decodeResult(t, call(t, page, "list-2", "accounts.list", nil), &listing)
	require.Empty(t, listing.Addresses)
}

// TestSigningFlow covers a page signing request approved by the UI: both
// sides observe the same signature and the queue drains.
func TestSigningFlow(t *testing.T) {
	r, w := testRouter(t, nil)
	ui := transport.NewPipe(transport.DomainUI, "")
	page := transport.NewPipe(transport.DomainPage, testOrigin)
	serve(t, r, ui)
	serve(t, r, page)

	address, err := w.CreateAccount()
	require.NoError(t, err)
	require.NoError(t, w.Sites().Authorize(testOrigin, false, []string{address}))

	page.Submit(transport.Envelope{
		ID:   "sign-1",
		Kind: "signing.sign",
		Payload: mustMarshal(t, signPayload{
			Address: address,
			Payload: []byte("hello"),
		}),
	})

	waitPending(t, w, approval.KindSign)
	id := pendingID(t, ui, "list-1", approval.KindSign)
	var uiResult signResult
	decodeResult(t, call(t, ui, "approve-1", "signing.approve",
		idPayload{ID: id}), &uiResult)
	require.NotEmpty(t, uiResult.Signature)

	var pageResult signResult
	decodeResult(t, awaitResponse(t, page, "sign-1"), &pageResult)
	require.Equal(t, uiResult.Signature, pageResult.Signature)

	require.Empty(t, w.Approvals().Counts())
}

// TestSigningRequiresAddressGrant ensures a general grant alone does not
// unlock address-scoped operations.
func TestSigningRequiresAddressGrant(t *testing.T) {
	r, w := testRouter(t, nil)
	page := transport.NewPipe(transport.DomainPage, testOrigin)
	serve(t, r, page)

	address, err := w.CreateAccount()
	require.NoError(t, err)
	require.NoError(t, w.Sites().Authorize(testOrigin, true, nil))

	requireErrCode(t, call(t, page, "sign-1", "signing.sign", signPayload{
		Address: address,
		Payload: []byte("hello"),
	}), transport.ErrCodeUnauthorized)
}

// TestRejectDeniesCaller ensures a UI rejection surfaces as a denied error
// on the originating channel.
func TestRejectDeniesCaller(t *testing.T) {
	r, w := testRouter(t, nil)
	ui := transport.NewPipe(transport.DomainUI, "")
	page := transport.NewPipe(transport.DomainPage, testOrigin)
	serve(t, r, ui)
	serve(t, r, page)

	address, err := w.CreateAccount()
	require.NoError(t, err)
	require.NoError(t, w.Sites().Authorize(testOrigin, false, []string{address}))

	page.Submit(transport.Envelope{
		ID:   "enc-1",
		Kind: "encryption.encrypt",
		Payload: mustMarshal(t, encryptPayload{
			Address:      address,
			Message:      []byte("secret"),
			RecipientKey: make([]byte, 32),
		}),
	})

	waitPending(t, w, approval.KindEncrypt)
	id := pendingID(t, ui, "list-1", approval.KindEncrypt)
	var ack resolvedResult
	decodeResult(t, call(t, ui, "reject-1", "encryption.reject",
		idPayload{ID: id}), &ack)
	require.True(t, ack.Resolved)

	requireErrCode(t, awaitResponse(t, page, "enc-1"), transport.ErrCodeDenied)
}

// TestDisconnectCancelsPending ensures a channel disconnect rejects its
// outstanding approvals and drops its subscriptions.
func TestDisconnectCancelsPending(t *testing.T) {
	r, w := testRouter(t, nil)
	page := transport.NewPipe(transport.DomainPage, testOrigin)
	done := make(chan struct{})
	go func() {
		r.ServeChannel(page)
		close(done)
	}()

	address, err := w.CreateAccount()
	require.NoError(t, err)
	require.NoError(t, w.Sites().Authorize(testOrigin, false, []string{address}))

	page.Submit(transport.Envelope{
		ID:   "sign-1",
		Kind: "signing.sign",
		Payload: mustMarshal(t, signPayload{
			Address: address,
			Payload: []byte("hello"),
		}),
	})
	require.Eventually(t, func() bool {
		return w.Approvals().Counts()[approval.KindSign] == 1
	}, time.Second, 10*time.Millisecond)

	page.Close()
	<-done
	require.Empty(t, w.Approvals().Counts())
}

// TestCatalogSubscribe covers the subscription lifecycle: initial value,
// pushes on change, silence after unsubscribe.
func TestCatalogSubscribe(t *testing.T) {
	r, _ := testRouter(t, nil)
	ui := transport.NewPipe(transport.DomainUI, "")
	serve(t, r, ui)

	var initial wacctmgr.Catalog
	decodeResult(t, call(t, ui, "sub-1", "accounts.catalog.subscribe", nil),
		&initial)
	require.Empty(t, initial.Portfolio)

	var created addressResult
	decodeResult(t, call(t, ui, "e1", "accounts.create", nil), &created)

	pushes := awaitPush(t, ui, "sub-1", 1)
	var pushed wacctmgr.Catalog
	require.NoError(t, json.Unmarshal(pushes[0], &pushed))
	require.Equal(t, []string{created.Address}, pushed.Addresses())

	// After unsubscribing, further changes produce no pushes.
	var ack unsubscribeResult
	decodeResult(t, call(t, ui, "unsub-1", "unsubscribe",
		transport.UnsubscribePayload{ID: "sub-1"}), &ack)
	require.True(t, ack.Unsubscribed)

	decodeResult(t, call(t, ui, "e2", "accounts.create", nil), &created)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, awaitPush(t, ui, "sub-1", 1), 1)
}

// TestUnsubscribeUnknownIsNoOp ensures unsubscribing an unknown id answers
// cleanly instead of erroring.
func TestUnsubscribeUnknownIsNoOp(t *testing.T) {
	r, _ := testRouter(t, nil)
	ui := transport.NewPipe(transport.DomainUI, "")
	serve(t, r, ui)

	var ack unsubscribeResult
	decodeResult(t, call(t, ui, "unsub-1", "unsubscribe",
		transport.UnsubscribePayload{ID: "never-registered"}), &ack)
	require.False(t, ack.Unsubscribed)
}

// TestPendingCountsSubscription ensures queue changes push fresh count
// snapshots to the subscribed UI.
func TestPendingCountsSubscription(t *testing.T) {
	r, w := testRouter(t, nil)
	ui := transport.NewPipe(transport.DomainUI, "")
	serve(t, r, ui)

	var counts countsResult
	decodeResult(t, call(t, ui, "sub-1", "pending.subscribeCounts", nil),
		&counts)
	require.Empty(t, counts.Counts)

	_, err := w.Approvals().Create(approval.KindSign, testOrigin, "chan-x", nil)
	require.NoError(t, err)

	pushes := awaitPush(t, ui, "sub-1", 1)
	var pushed countsResult
	require.NoError(t, json.Unmarshal(pushes[len(pushes)-1], &pushed))
	require.Equal(t, 1, pushed.Counts[approval.KindSign])
}

// TestPageRateLimit ensures an origin over its request budget is refused
// with a rate-limit error.
func TestPageRateLimit(t *testing.T) {
	r, w := testRouter(t, func(cfg *Config) {
		cfg.PageRate = rate.Limit(1)
		cfg.PageBurst = 1
	})
	page := transport.NewPipe(transport.DomainPage, testOrigin)
	serve(t, r, page)

	require.NoError(t, w.Sites().Authorize(testOrigin, true, nil))

	resp := call(t, page, "e1", "accounts.list", nil)
	require.Nil(t, resp.Error)
	requireErrCode(t, call(t, page, "e2", "accounts.list", nil),
		transport.ErrCodeRateLimited)
}

// TestWalletSession covers unlock, status and lock through the wallet
// namespace.
func TestWalletSession(t *testing.T) {
	r, w := testRouter(t, nil)
	ui := transport.NewPipe(transport.DomainUI, "")
	serve(t, r, ui)

	w.Lock()
	var status statusResult
	decodeResult(t, call(t, ui, "e1", "wallet.status", nil), &status)
	require.True(t, status.Locked)

	requireErrCode(t, call(t, ui, "e2", "wallet.unlock",
		unlockPayload{Passphrase: "wrong"}), transport.ErrCodeInvalidRequest)

	decodeResult(t, call(t, ui, "e3", "wallet.unlock",
		unlockPayload{Passphrase: string(testPass)}), &status)
	require.False(t, status.Locked)

	decodeResult(t, call(t, ui, "e4", "wallet.lock", nil), &status)
	require.True(t, status.Locked)
}

// TestNetworkFlow covers the network registration approval cycle without a
// chain backend: the request's own values are registered verbatim.
func TestNetworkFlow(t *testing.T) {
	r, w := testRouter(t, nil)
	ui := transport.NewPipe(transport.DomainUI, "")
	page := transport.NewPipe(transport.DomainPage, testOrigin)
	serve(t, r, ui)
	serve(t, r, page)

	require.NoError(t, w.Sites().Authorize(testOrigin, true, nil))

	page.Submit(transport.Envelope{
		ID:   "net-1",
		Kind: "networks.add",
		Payload: mustMarshal(t, networkPayload{
			ChainID: "7",
			Name:    "testnet",
			RPCURL:  "wss://rpc.example",
		}),
	})

	waitPending(t, w, approval.KindAddNetwork)
	id := pendingID(t, ui, "list-1", approval.KindAddNetwork)
	resp := call(t, ui, "approve-1", "networks.approve", idPayload{ID: id})
	require.Nil(t, resp.Error)

	resp = awaitResponse(t, page, "net-1")
	require.Nil(t, resp.Error)

	networks, err := w.Networks()
	require.NoError(t, err)
	require.Len(t, networks, 1)
	require.Equal(t, "7", networks[0].ChainID)
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
