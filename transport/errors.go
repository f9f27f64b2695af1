package transport

import (
	"errors"
)

// ErrorCode identifies the category of a wire error so callers can react
// programmatically rather than matching on message text.
type ErrorCode string

// Wire error codes.
const (
	// ErrCodeUnauthorized is returned when the calling origin lacks the
	// stored authorization required for the requested operation.
	ErrCodeUnauthorized ErrorCode = "unauthorized"

	// ErrCodeNotFound is returned when a directly referenced id (pending
	// request, folder, subscription) does not exist.
	ErrCodeNotFound ErrorCode = "notFound"

	// ErrCodeDuplicateRequest is returned when a second approval request
	// for the same logical key arrives while one is still outstanding.
	ErrCodeDuplicateRequest ErrorCode = "duplicateRequest"

	// ErrCodeCancelled is returned when a pending request is rejected
	// because its originating channel disconnected before resolution.
	ErrCodeCancelled ErrorCode = "cancelled"

	// ErrCodeRateLimited is returned when a page origin exceeds its
	// request budget.
	ErrCodeRateLimited ErrorCode = "rateLimited"

	// ErrCodeLocked is returned when an operation requires the keychain
	// to be unlocked.
	ErrCodeLocked ErrorCode = "locked"

	// ErrCodeDenied is returned when the user explicitly rejected a
	// pending request.
	ErrCodeDenied ErrorCode = "denied"

	// ErrCodeInvalidRequest is returned for malformed envelopes or
	// payloads.
	ErrCodeInvalidRequest ErrorCode = "invalidRequest"

	// ErrCodeInternal is the catch-all for handler failures that have no
	// more specific category.  No internal detail is leaked in the
	// message.
	ErrCodeInternal ErrorCode = "internal"
)

// WireError is the error form carried in a Response.  Message is a short,
// user-presentable string; it never includes internal state.
type WireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewWireError creates a WireError with the passed code and message.
func NewWireError(code ErrorCode, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

// WireErrorFromError converts an arbitrary handler error to its wire form.
// A *WireError passes through unchanged; anything else becomes an internal
// error carrying only a generic message so no handler state leaks to
// untrusted callers.
func WireErrorFromError(err error) *WireError {
	var we *WireError
	if errors.As(err, &we) {
		return we
	}
	return &WireError{Code: ErrCodeInternal, Message: "internal error"}
}
