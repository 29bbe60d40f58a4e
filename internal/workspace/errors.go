package workspace

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error for callers that branch on failure class
// rather than message text.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindAmbiguous    Kind = "ambiguous"
	KindStorageIO    Kind = "storage_io"

	KindOperatorDisabled         Kind = "operator_disabled"
	KindOperatorActionDisallowed Kind = "operator_action_disallowed"
	KindOperatorInvalidOutput    Kind = "operator_invalid_output"

	KindContextMissing      Kind = "context_missing"
	KindContextAmbiguous    Kind = "context_ambiguous"
	KindContextUnauthorized Kind = "context_unauthorized"
	KindCLIValidationFailed Kind = "cli_validation_failed"

	KindServerUnreachable Kind = "server_unreachable"
	KindRequestTimeout    Kind = "request_timeout"
	KindRequestRejected   Kind = "request_rejected"

	KindBackendError   Kind = "backend_error"
	KindBackendTimeout Kind = "backend_timeout"
)

// Error is the kinded error carried across subsystem boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
