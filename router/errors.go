package router

import (
	"errors"

	"github.com/keyfold/keyfold/approval"
	"github.com/keyfold/keyfold/keychain"
	"github.com/keyfold/keyfold/transport"
	"github.com/keyfold/keyfold/wacctmgr"
	"github.com/keyfold/keyfold/wallet"
)

// Pre-built wire errors for the boundary checks that fire before a handler
// runs.
var (
	errUnknownKind = transport.NewWireError(transport.ErrCodeInvalidRequest,
		"unrecognized message kind")
	errInvalidPayload = transport.NewWireError(transport.ErrCodeInvalidRequest,
		"malformed payload")
	errUnauthorized = transport.NewWireError(transport.ErrCodeUnauthorized,
		"origin not authorized")
	errNotFound = transport.NewWireError(transport.ErrCodeNotFound,
		"unknown id")
	errRateLimited = transport.NewWireError(transport.ErrCodeRateLimited,
		"too many requests")
	errInternal = transport.NewWireError(transport.ErrCodeInternal,
		"internal error")
)

// wireError maps the typed errors of the wallet's collaborators onto wire
// error codes.  Anything unmapped degrades to a generic internal error so
// handler state never leaks to an untrusted caller.
func wireError(err error) *transport.WireError {
	var we *transport.WireError
	if errors.As(err, &we) {
		return we
	}

	switch {
	case errors.Is(err, approval.ErrDuplicateRequest):
		return transport.NewWireError(transport.ErrCodeDuplicateRequest,
			"a request of this kind is already pending")
	case errors.Is(err, approval.ErrCancelled):
		return transport.NewWireError(transport.ErrCodeCancelled,
			"request cancelled")
	case errors.Is(err, approval.ErrDenied):
		return transport.NewWireError(transport.ErrCodeDenied,
			"request denied")
	case errors.Is(err, keychain.ErrLocked):
		return transport.NewWireError(transport.ErrCodeLocked,
			"wallet is locked")
	case errors.Is(err, keychain.ErrWrongPassphrase):
		return transport.NewWireError(transport.ErrCodeInvalidRequest,
			"incorrect passphrase")
	case errors.Is(err, keychain.ErrUnknownKey):
		return transport.NewWireError(transport.ErrCodeNotFound,
			"unknown account")
	case errors.Is(err, wallet.ErrDuplicateNetwork):
		return transport.NewWireError(transport.ErrCodeDuplicateRequest,
			"network already registered")
	}

	var merr wacctmgr.ManagerError
	if errors.As(err, &merr) && merr.ErrorCode == wacctmgr.ErrInvalidMutation {
		return transport.NewWireError(transport.ErrCodeInvalidRequest,
			merr.Description)
	}

	log.Errorf("Handler error: %v", err)
	return errInternal
}

// idPayload is the payload of every by-id operation.
type idPayload struct {
	ID string `json:"id"`
}

// resolvedResult acknowledges an approve or reject call.
type resolvedResult struct {
	Resolved bool `json:"resolved"`
}

// unsubscribeResult acknowledges an unsubscribe call.
type unsubscribeResult struct {
	Unsubscribed bool `json:"unsubscribed"`
}
