// Package router is the single entry point for every envelope arriving from
// a caller context.  It classifies messages by namespaced kind and trust
// domain, gates page-domain calls on stored site authorization, dispatches
// to the wallet's collaborators, and owns the registry of live
// subscriptions so a disconnecting channel never leaks observers or pending
// approvals.
package router

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keyfold/keyfold/approval"
	"github.com/keyfold/keyfold/transport"
	"github.com/keyfold/keyfold/wallet"
)

// unsubscribeKind is the one message kind handled centrally, independent of
// namespace.
const unsubscribeKind = "unsubscribe"

// Config holds the injected process-scoped state a Router instance operates
// on.  Nothing in this package is a module-level singleton; tests construct
// as many independent routers as they need.
type Config struct {
	Wallet *wallet.Wallet

	// PageRate and PageBurst bound the request rate of a single page
	// origin.  Zero values disable limiting.
	PageRate  rate.Limit
	PageBurst int

	// DefaultUnlockTimeout is applied when an unlock request does not name
	// its own timeout.  Zero keeps the wallet unlocked until an explicit
	// lock.
	DefaultUnlockTimeout time.Duration
}

// handlerFunc executes one request.  Returning a pendingResult defers the
// response until the wrapped approval completes.
type handlerFunc func(ctx *callCtx) (interface{}, error)

// callCtx carries one request through its handler.
type callCtx struct {
	channel transport.Channel
	env     transport.Envelope
}

// origin returns the caller's origin, empty for trusted UI channels.
func (ctx *callCtx) origin() string {
	return ctx.channel.Origin()
}

// payload unmarshals the envelope payload into dst.
func (ctx *callCtx) payload(dst interface{}) error {
	if len(ctx.env.Payload) == 0 {
		return errInvalidPayload
	}
	if err := json.Unmarshal(ctx.env.Payload, dst); err != nil {
		return errInvalidPayload
	}
	return nil
}

// pendingResult defers the response to the completion of a queued approval.
type pendingResult struct {
	req *approval.Request
}

// handlerEntry is one entry of the kind dispatch table.
type handlerEntry struct {
	handler handlerFunc

	// trustedOnly restricts the kind to extension-UI channels.  A page
	// caller is rejected with Unauthorized before dispatch.
	trustedOnly bool

	// openToUnauthorized marks the few page kinds servable without any
	// stored authorization, such as the authorization request itself.
	openToUnauthorized bool
}

// subscription is one live push registration.
type subscription struct {
	cancelOnce sync.Once
	cancel     func()
}

func (s *subscription) stop() {
	s.cancelOnce.Do(s.cancel)
}

// Router dispatches envelopes for both trust domains.
type Router struct {
	cfg Config

	handlers map[string]handlerEntry

	mtx sync.Mutex

	// subs maps channel id -> envelope id -> live subscription.  The
	// registry holds no reference to the channel itself.
	subs map[string]map[string]*subscription

	// limiters maps page origin -> its rate limiter.
	limiters map[string]*rate.Limiter
}

// New constructs a router over the injected wallet state and builds the
// full kind dispatch table.  Every namespace registers its complete kind
// set here; a kind missing from the table is unroutable by construction.
func New(cfg Config) *Router {
	r := &Router{
		cfg:      cfg,
		subs:     make(map[string]map[string]*subscription),
		limiters: make(map[string]*rate.Limiter),
	}
	r.handlers = map[string]handlerEntry{
		// accounts namespace.
		"accounts.list":              {handler: r.accountsList},
		"accounts.create":            {handler: r.accountsCreate, trustedOnly: true},
		"accounts.balances":          {handler: r.accountsBalances, trustedOnly: true},
		"accounts.sorted":            {handler: r.accountsSorted, trustedOnly: true},
		"accounts.catalog.get":       {handler: r.catalogGet, trustedOnly: true},
		"accounts.catalog.mutate":    {handler: r.catalogMutate, trustedOnly: true},
		"accounts.catalog.subscribe": {handler: r.catalogSubscribe, trustedOnly: true},

		// signing namespace.
		"signing.sign":    {handler: r.signingSign},
		"signing.approve": {handler: r.signingApprove, trustedOnly: true},
		"signing.reject":  {handler: r.pendingReject, trustedOnly: true},

		// encryption namespace.
		"encryption.encrypt": {handler: r.encryptionEncrypt},
		"encryption.decrypt": {handler: r.encryptionDecrypt},
		"encryption.approve": {handler: r.encryptionApprove, trustedOnly: true},
		"encryption.reject":  {handler: r.pendingReject, trustedOnly: true},

		// sites namespace.
		"sites.requestAuthorization": {handler: r.sitesRequestAuthorization, openToUnauthorized: true},
		"sites.approve":              {handler: r.sitesApprove, trustedOnly: true},
		"sites.reject":               {handler: r.pendingReject, trustedOnly: true},
		"sites.list":                 {handler: r.sitesList, trustedOnly: true},
		"sites.revoke":               {handler: r.sitesRevoke, trustedOnly: true},

		// networks namespace.
		"networks.add":     {handler: r.networksAdd},
		"networks.approve": {handler: r.networksApprove, trustedOnly: true},
		"networks.reject":  {handler: r.pendingReject, trustedOnly: true},
		"networks.list":    {handler: r.networksList},

		// pending namespace.
		"pending.get":             {handler: r.pendingGet, trustedOnly: true},
		"pending.list":            {handler: r.pendingList, trustedOnly: true},
		"pending.counts":          {handler: r.pendingCounts, trustedOnly: true},
		"pending.subscribeCounts": {handler: r.pendingSubscribeCounts, trustedOnly: true},

		// wallet namespace.
		"wallet.unlock":           {handler: r.walletUnlock, trustedOnly: true},
		"wallet.lock":             {handler: r.walletLock, trustedOnly: true},
		"wallet.status":           {handler: r.walletStatus, trustedOnly: true},
		"wallet.changePassphrase": {handler: r.walletChangePassphrase, trustedOnly: true},
	}
	return r
}

// Kinds returns every registered message kind.  Tests assert namespace
// completeness against this.
func (r *Router) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// ServeChannel processes a channel's envelopes in arrival order until it
// disconnects, then disposes every subscription and pending approval
// registered against it.  Messages from different channels interleave
// arbitrarily; only the per-channel order is guaranteed.
func (r *Router) ServeChannel(ch transport.Channel) {
	defer r.teardownChannel(ch)

	log.Debugf("Serving %s channel %s (origin %q)", ch.Domain(), ch.ID(),
		ch.Origin())
	for {
		select {
		case env, ok := <-ch.Receive():
			if !ok {
				return
			}
			r.handleEnvelope(ch, env)
		case <-ch.Done():
			return
		}
	}
}

// handleEnvelope classifies and dispatches one envelope.  Everything a
// handler can throw, panics included, is converted to a per-request error
// response at this boundary; nothing propagates far enough to take the
// process down.
func (r *Router) handleEnvelope(ch transport.Channel, env transport.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			log.Criticalf("Handler panic on %q: %v", env.Kind, p)
			r.respondErr(ch, env.ID, errInternal)
		}
	}()

	// Unsubscribe is handled centrally, before any namespace or
	// authorization logic.  Unknown subscription ids are a no-op.
	if env.Kind == unsubscribeKind {
		r.handleUnsubscribe(ch, env)
		return
	}

	entry, ok := r.handlers[env.Kind]
	if !ok {
		log.Warnf("Unrecognized message kind %q from channel %s",
			env.Kind, ch.ID())
		r.respondErr(ch, env.ID, errUnknownKind)
		return
	}

	if ch.Domain() == transport.DomainPage {
		if entry.trustedOnly {
			r.respondErr(ch, env.ID, errUnauthorized)
			return
		}
		if !r.allowPageCall(ch.Origin()) {
			r.respondErr(ch, env.ID, errRateLimited)
			return
		}
		if !entry.openToUnauthorized &&
			!r.cfg.Wallet.Sites().IsAuthorized(ch.Origin()) {
			log.Debugf("Unauthorized %q from origin %q", env.Kind,
				ch.Origin())
			r.respondErr(ch, env.ID, errUnauthorized)
			return
		}
	}

	result, err := entry.handler(&callCtx{channel: ch, env: env})
	if err != nil {
		r.respondErr(ch, env.ID, err)
		return
	}

	if pr, ok := result.(pendingResult); ok {
		// The response is deferred until a trusted UI context resolves
		// the approval, which arrives on a different channel.  The
		// originating channel's send happens here, off the serve loop,
		// so its later envelopes keep flowing meanwhile.
		go r.awaitPending(ch, env.ID, pr.req)
		return
	}

	r.respond(ch, env.ID, result)
}

// handleUnsubscribe removes the subscription named by the payload.  A
// missing or unknown id is a no-op, not an error.
func (r *Router) handleUnsubscribe(ch transport.Channel, env transport.Envelope) {
	var payload transport.UnsubscribePayload
	if len(env.Payload) != 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			r.respondErr(ch, env.ID, errInvalidPayload)
			return
		}
	}

	r.mtx.Lock()
	var sub *subscription
	if chanSubs := r.subs[ch.ID()]; chanSubs != nil {
		sub = chanSubs[payload.ID]
		delete(chanSubs, payload.ID)
	}
	r.mtx.Unlock()

	if sub != nil {
		sub.stop()
	}
	r.respond(ch, env.ID, unsubscribeResult{Unsubscribed: sub != nil})
}

// addSubscription registers a live subscription for the envelope id on the
// channel.  A duplicate subscription under the same id replaces the old
// one.
func (r *Router) addSubscription(ch transport.Channel, envID string, cancel func()) {
	sub := &subscription{cancel: cancel}

	r.mtx.Lock()
	chanSubs := r.subs[ch.ID()]
	if chanSubs == nil {
		chanSubs = make(map[string]*subscription)
		r.subs[ch.ID()] = chanSubs
	}
	old := chanSubs[envID]
	chanSubs[envID] = sub
	r.mtx.Unlock()

	if old != nil {
		old.stop()
	}
}

// teardownChannel disposes every subscription registered against the
// channel and cancels its outstanding approvals.
func (r *Router) teardownChannel(ch transport.Channel) {
	r.mtx.Lock()
	chanSubs := r.subs[ch.ID()]
	delete(r.subs, ch.ID())
	r.mtx.Unlock()

	for _, sub := range chanSubs {
		sub.stop()
	}
	if n := r.cfg.Wallet.Approvals().CancelChannel(ch.ID()); n > 0 {
		log.Debugf("Cancelled %d pending approval(s) for channel %s",
			n, ch.ID())
	}
	log.Debugf("Channel %s torn down (%d subscription(s) disposed)",
		ch.ID(), len(chanSubs))
}

// allowPageCall enforces the per-origin rate limit.
func (r *Router) allowPageCall(origin string) bool {
	if r.cfg.PageRate == 0 {
		return true
	}
	r.mtx.Lock()
	limiter := r.limiters[origin]
	if limiter == nil {
		limiter = rate.NewLimiter(r.cfg.PageRate, r.cfg.PageBurst)
		r.limiters[origin] = limiter
	}
	r.mtx.Unlock()
	return limiter.Allow()
}

// awaitPending blocks on the approval outcome and relays it to the
// originating channel.
func (r *Router) awaitPending(ch transport.Channel, envID string, req *approval.Request) {
	select {
	case o := <-req.Done():
		if o.Err != nil {
			r.respondErr(ch, envID, o.Err)
			return
		}
		resp := &transport.Response{ID: envID, Response: o.Result}
		r.send(ch, resp)
	case <-ch.Done():
		// The caller is gone; teardownChannel cancels the request.
	}
}

// respond writes a success response.
func (r *Router) respond(ch transport.Channel, envID string, result interface{}) {
	resp, err := transport.NewResponse(envID, result)
	if err != nil {
		log.Errorf("Failed to marshal response for %s: %v", envID, err)
		resp = transport.NewErrorResponse(envID, errInternal)
	}
	r.send(ch, resp)
}

// respondErr writes an error response.
func (r *Router) respondErr(ch transport.Channel, envID string, err error) {
	r.send(ch, transport.NewErrorResponse(envID, wireError(err)))
}

// push writes a subscription push.
func (r *Router) push(ch transport.Channel, envID string, value interface{}) {
	resp, err := transport.NewPush(envID, value)
	if err != nil {
		log.Errorf("Failed to marshal push for %s: %v", envID, err)
		return
	}
	r.send(ch, resp)
}

// send writes to the channel, swallowing disconnects: a response to a
// vanished caller is not an error condition for the router's caller.
func (r *Router) send(ch transport.Channel, resp *transport.Response) {
	if err := ch.Send(resp); err != nil {
		log.Debugf("Discarded write to disconnected channel %s", ch.ID())
	}
}

// pendingReject serves the reject kinds of every approval namespace: the
// trusted UI declines the pending request by id.
func (r *Router) pendingReject(ctx *callCtx) (interface{}, error) {
	var payload idPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	if req := r.cfg.Wallet.Approvals().Get(payload.ID); req == nil {
		return nil, errNotFound
	}
	r.cfg.Wallet.Approvals().Reject(payload.ID, approval.ErrDenied)
	return resolvedResult{Resolved: true}, nil
}
