package approval

import "errors"

var (
	// ErrDuplicateRequest is returned by Create when a second site
	// authorization request arrives for an origin that already has one
	// outstanding.  The caller must not be shown a second prompt.
	ErrDuplicateRequest = errors.New("duplicate pending request")

	// ErrCancelled is the rejection delivered to a request whose
	// originating channel disconnected before resolution.
	ErrCancelled = errors.New("request cancelled: origin disconnected")

	// ErrDenied is the rejection delivered when the user explicitly
	// declined the request.
	ErrDenied = errors.New("request denied by user")
)
