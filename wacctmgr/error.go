package wacctmgr

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific ManagerError.
const (
	// ErrDatabase indicates an error with the underlying mutation store.
	ErrDatabase ErrorCode = iota

	// ErrEncode indicates the catalog could not be serialized for
	// persistence.
	ErrEncode

	// ErrDecode indicates the persisted catalog could not be
	// deserialized.  This is only possible with external corruption of
	// the store.
	ErrDecode

	// ErrInvalidMutation indicates a mutation descriptor is malformed:
	// an unknown operation, an unknown tree name, or missing required
	// fields.  This is a programmer error on the caller's side, not an
	// expected no-op.
	ErrInvalidMutation
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:        "ErrDatabase",
	ErrEncode:          "ErrEncode",
	ErrDecode:          "ErrDecode",
	ErrInvalidMutation: "ErrInvalidMutation",
}

// String returns the ErrorCode as a human-readable name.
func (code ErrorCode) String() string {
	if s := errorCodeStrings[code]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(code))
}

// ManagerError provides a single type for errors that can happen during
// manager operation.  It is used to indicate several types of failures
// including errors with caller requests such as malformed mutation
// descriptors and database failures.
type ManagerError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ManagerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e ManagerError) Unwrap() error {
	return e.Err
}

// managerError creates a ManagerError given a set of arguments.
func managerError(c ErrorCode, desc string, err error) ManagerError {
	return ManagerError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a ManagerError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	merr, ok := err.(ManagerError)
	return ok && merr.ErrorCode == code
}
