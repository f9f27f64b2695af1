package router

import (
	"encoding/json"
	"time"

	"github.com/keyfold/keyfold/approval"
	"github.com/keyfold/keyfold/internal/zero"
)

// requestView is the serialized shape of a pending request shown to the
// approval UI.
type requestView struct {
	ID        string          `json:"id"`
	Kind      approval.Kind   `json:"kind"`
	Origin    string          `json:"origin"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type kindPayload struct {
	Kind approval.Kind `json:"kind"`
}

type countsResult struct {
	Counts map[approval.Kind]int `json:"counts"`
}

type unlockPayload struct {
	Passphrase     string `json:"passphrase"`
	TimeoutSeconds int64  `json:"timeoutSeconds,omitempty"`
}

type changePassphrasePayload struct {
	OldPassphrase string `json:"oldPassphrase"`
	NewPassphrase string `json:"newPassphrase"`
}

type statusResult struct {
	Locked bool `json:"locked"`
}

func viewOf(req *approval.Request) requestView {
	return requestView{
		ID:        req.ID,
		Kind:      req.Kind,
		Origin:    req.Origin,
		Payload:   req.Payload,
		CreatedAt: req.CreatedAt,
	}
}

// pendingGet returns one pending request by id.
func (r *Router) pendingGet(ctx *callCtx) (interface{}, error) {
	var payload idPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	req := r.cfg.Wallet.Approvals().Get(payload.ID)
	if req == nil {
		return nil, errNotFound
	}
	return viewOf(req), nil
}

// pendingList returns the outstanding requests of one kind in creation
// order.
func (r *Router) pendingList(ctx *callCtx) (interface{}, error) {
	var payload kindPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	reqs := r.cfg.Wallet.Approvals().Pending(payload.Kind)
	views := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, viewOf(req))
	}
	return struct {
		Requests []requestView `json:"requests"`
	}{Requests: views}, nil
}

// pendingCounts returns a per-kind snapshot of outstanding request counts.
func (r *Router) pendingCounts(ctx *callCtx) (interface{}, error) {
	return countsResult{Counts: r.cfg.Wallet.Approvals().Counts()}, nil
}

// pendingSubscribeCounts answers with the current counts and registers a
// push stream delivering a fresh snapshot after every queue change.
func (r *Router) pendingSubscribeCounts(ctx *callCtx) (interface{}, error) {
	updates, cancelWatch := r.cfg.Wallet.Approvals().WatchCounts()
	stop := make(chan struct{})
	r.addSubscription(ctx.channel, ctx.env.ID, func() {
		cancelWatch()
		close(stop)
	})

	ch, envID := ctx.channel, ctx.env.ID
	go func() {
		for {
			select {
			case counts, ok := <-updates:
				if !ok {
					return
				}
				r.push(ch, envID, countsResult{Counts: counts})
			case <-stop:
				return
			case <-ch.Done():
				return
			}
		}
	}()

	return countsResult{Counts: r.cfg.Wallet.Approvals().Counts()}, nil
}

// walletUnlock unlocks the keychain, optionally arming a relock timer.
func (r *Router) walletUnlock(ctx *callCtx) (interface{}, error) {
	var payload unlockPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	pass := []byte(payload.Passphrase)
	defer zero.Bytes(pass)

	timeout := r.cfg.DefaultUnlockTimeout
	if payload.TimeoutSeconds > 0 {
		timeout = time.Duration(payload.TimeoutSeconds) * time.Second
	}
	if err := r.cfg.Wallet.Unlock(pass, timeout); err != nil {
		return nil, err
	}
	return statusResult{Locked: false}, nil
}

// walletLock locks the keychain immediately, force-rejecting everything
// pending.
func (r *Router) walletLock(ctx *callCtx) (interface{}, error) {
	r.cfg.Wallet.Lock()
	return statusResult{Locked: true}, nil
}

// walletStatus reports the lock state.
func (r *Router) walletStatus(ctx *callCtx) (interface{}, error) {
	return statusResult{Locked: r.cfg.Wallet.Locked()}, nil
}

// walletChangePassphrase re-keys the keychain.
func (r *Router) walletChangePassphrase(ctx *callCtx) (interface{}, error) {
	var payload changePassphrasePayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	oldPass := []byte(payload.OldPassphrase)
	newPass := []byte(payload.NewPassphrase)
	defer zero.Bytes(oldPass)
	defer zero.Bytes(newPass)

	if err := r.cfg.Wallet.ChangePassphrase(oldPass, newPass); err != nil {
		return nil, err
	}
	return statusResult{Locked: r.cfg.Wallet.Locked()}, nil
}
