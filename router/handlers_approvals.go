package router

import (
	"encoding/json"

	"github.com/keyfold/keyfold/approval"
	"github.com/keyfold/keyfold/chain"
	"github.com/keyfold/keyfold/sitemgr"
)

type signPayload struct {
	Address string `json:"address"`
	Payload []byte `json:"payload"`
}

type signResult struct {
	Signature []byte `json:"signature"`
}

type encryptPayload struct {
	Address      string `json:"address"`
	Message      []byte `json:"message,omitempty"`
	RecipientKey []byte `json:"recipientKey,omitempty"`
	Ciphertext   []byte `json:"ciphertext,omitempty"`
}

type encryptResult struct {
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Message    []byte `json:"message,omitempty"`
}

type siteAuthPayload struct {
	General   bool     `json:"general"`
	Addresses []string `json:"addresses,omitempty"`
}

type networkPayload struct {
	ChainID string `json:"chainId,omitempty"`
	Name    string `json:"name,omitempty"`
	RPCURL  string `json:"rpcUrl"`
}

type revokePayload struct {
	Origin string `json:"origin"`
}

type revokeResult struct {
	Revoked bool `json:"revoked"`
}

// queuePending parks the request in the approval queue and defers the
// response to its outcome.
func (r *Router) queuePending(ctx *callCtx, kind approval.Kind) (interface{}, error) {
	req, err := r.cfg.Wallet.Approvals().Create(kind, ctx.origin(),
		ctx.channel.ID(), ctx.env.Payload)
	if err != nil {
		return nil, err
	}
	return pendingResult{req: req}, nil
}

// lookupPending fetches a pending request by payload id, restricted to the
// passed kinds.
func (r *Router) lookupPending(ctx *callCtx, kinds ...approval.Kind) (*approval.Request, error) {
	var payload idPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	req := r.cfg.Wallet.Approvals().Get(payload.ID)
	if req == nil {
		return nil, errNotFound
	}
	for _, kind := range kinds {
		if req.Kind == kind {
			return req, nil
		}
	}
	return nil, errNotFound
}

// signingSign queues a signing request from a page.  The origin must hold
// an address-scoped grant for the signing account; a general grant is not
// enough.
func (r *Router) signingSign(ctx *callCtx) (interface{}, error) {
	var payload signPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	if !r.authorizedForAddress(ctx, payload.Address) {
		return nil, errUnauthorized
	}
	return r.queuePending(ctx, approval.KindSign)
}

// signingApprove executes a pending signing request on the trusted UI's
// behalf.  A failing signature, the wallet being locked included, leaves
// the request pending so the UI can unlock and retry.
func (r *Router) signingApprove(ctx *callCtx) (interface{}, error) {
	req, err := r.lookupPending(ctx, approval.KindSign)
	if err != nil {
		return nil, err
	}
	var payload signPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, errInvalidPayload
	}
	sig, err := r.cfg.Wallet.Sign(payload.Address, payload.Payload)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(signResult{Signature: sig})
	if err != nil {
		return nil, err
	}
	r.cfg.Wallet.Approvals().Resolve(req.ID, result)
	return json.RawMessage(result), nil
}

// encryptionEncrypt queues a page's encryption request.
func (r *Router) encryptionEncrypt(ctx *callCtx) (interface{}, error) {
	var payload encryptPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	if !r.authorizedForAddress(ctx, payload.Address) {
		return nil, errUnauthorized
	}
	return r.queuePending(ctx, approval.KindEncrypt)
}

// encryptionDecrypt queues a page's decryption request.
func (r *Router) encryptionDecrypt(ctx *callCtx) (interface{}, error) {
	var payload encryptPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	if !r.authorizedForAddress(ctx, payload.Address) {
		return nil, errUnauthorized
	}
	return r.queuePending(ctx, approval.KindDecrypt)
}

// encryptionApprove executes a pending encryption or decryption request.
func (r *Router) encryptionApprove(ctx *callCtx) (interface{}, error) {
	req, err := r.lookupPending(ctx, approval.KindEncrypt, approval.KindDecrypt)
	if err != nil {
		return nil, err
	}
	var payload encryptPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, errInvalidPayload
	}

	var out encryptResult
	switch req.Kind {
	case approval.KindEncrypt:
		ciphertext, err := r.cfg.Wallet.Encrypt(payload.Address,
			payload.Message, payload.RecipientKey)
		if err != nil {
			return nil, err
		}
		out.Ciphertext = ciphertext
	case approval.KindDecrypt:
		message, err := r.cfg.Wallet.Decrypt(payload.Address,
			payload.Ciphertext)
		if err != nil {
			return nil, err
		}
		out.Message = message
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	r.cfg.Wallet.Approvals().Resolve(req.ID, result)
	return json.RawMessage(result), nil
}

// authorizedForAddress checks the address-scoped grant for page callers.
// Trusted UI channels pass unconditionally.
func (r *Router) authorizedForAddress(ctx *callCtx, address string) bool {
	if ctx.origin() == "" {
		return true
	}
	return r.cfg.Wallet.Sites().IsAddressAuthorized(ctx.origin(), address)
}

// sitesRequestAuthorization queues an authorization prompt for the calling
// origin.  This is the one page kind servable without a prior grant; the
// queue suppresses a second outstanding prompt for the same origin.
func (r *Router) sitesRequestAuthorization(ctx *callCtx) (interface{}, error) {
	var payload siteAuthPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	if !payload.General && len(payload.Addresses) == 0 {
		return nil, errInvalidPayload
	}
	return r.queuePending(ctx, approval.KindSiteAuth)
}

// sitesApprove stores the grant a pending authorization request asked for
// and resolves the request with it.
func (r *Router) sitesApprove(ctx *callCtx) (interface{}, error) {
	req, err := r.lookupPending(ctx, approval.KindSiteAuth)
	if err != nil {
		return nil, err
	}
	var payload siteAuthPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, errInvalidPayload
	}
	err = r.cfg.Wallet.Sites().Authorize(req.Origin, payload.General,
		payload.Addresses)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(r.cfg.Wallet.Sites().Get(req.Origin))
	if err != nil {
		return nil, err
	}
	r.cfg.Wallet.Approvals().Resolve(req.ID, result)
	return json.RawMessage(result), nil
}

// sitesList returns every stored grant.
func (r *Router) sitesList(ctx *callCtx) (interface{}, error) {
	return struct {
		Sites []*sitemgr.Authorization `json:"sites"`
	}{Sites: r.cfg.Wallet.Sites().List()}, nil
}

// sitesRevoke removes an origin's grant.
func (r *Router) sitesRevoke(ctx *callCtx) (interface{}, error) {
	var payload revokePayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	revoked, err := r.cfg.Wallet.Sites().Revoke(payload.Origin)
	if err != nil {
		return nil, err
	}
	return revokeResult{Revoked: revoked}, nil
}

// networksAdd queues a page's network registration request.
func (r *Router) networksAdd(ctx *callCtx) (interface{}, error) {
	var payload networkPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	if payload.RPCURL == "" {
		return nil, errInvalidPayload
	}
	return r.queuePending(ctx, approval.KindAddNetwork)
}

// networksApprove registers the network a pending request named.  When a
// chain backend is available the endpoint is probed for its authoritative
// identity first; otherwise the request's own values are trusted.
func (r *Router) networksApprove(ctx *callCtx) (interface{}, error) {
	req, err := r.lookupPending(ctx, approval.KindAddNetwork)
	if err != nil {
		return nil, err
	}
	var payload networkPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, errInvalidPayload
	}

	info := chain.NetworkInfo{
		ChainID: payload.ChainID,
		Name:    payload.Name,
		RPCURL:  payload.RPCURL,
	}
	if backend := r.cfg.Wallet.Chain(); backend != nil {
		probed, err := backend.ProbeNetwork(payload.RPCURL)
		if err != nil {
			return nil, err
		}
		info = *probed
	}
	if err := r.cfg.Wallet.AddNetwork(info); err != nil {
		return nil, err
	}

	result, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	r.cfg.Wallet.Approvals().Resolve(req.ID, result)
	return json.RawMessage(result), nil
}

// networksList returns the registered networks.
func (r *Router) networksList(ctx *callCtx) (interface{}, error) {
	networks, err := r.cfg.Wallet.Networks()
	if err != nil {
		return nil, err
	}
	if networks == nil {
		networks = []chain.NetworkInfo{}
	}
	return struct {
		Networks []chain.NetworkInfo `json:"networks"`
	}{Networks: networks}, nil
}
