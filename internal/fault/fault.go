// Package fault defines the error kinds surfaced by the session runtime
// and their mapping onto HTTP status codes.
//
// Request-scoped failures carry a Kind so the HTTP and WebSocket layers
// can translate them without string matching; background failures are
// logged and close the session cleanly.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error surfaced by the core.
type Kind int

const (
	// Auth: token missing, invalid, or expired.
	Auth Kind = iota
	// ModeDisabled: the requested session mode is not enabled.
	ModeDisabled
	// BadRequest: invalid cwd, invalid tmux name, missing field.
	BadRequest
	// NotFound: unknown session id.
	NotFound
	// CapExceeded: per-user session cap reached.
	CapExceeded
	// Spawn: the PTY failed to start.
	Spawn
	// Backpressure: a bounded queue overflowed.
	Backpressure
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case ModeDisabled:
		return "mode_disabled"
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case CapExceeded:
		return "cap_exceeded"
	case Spawn:
		return "spawn"
	case Backpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the kind to the status the API responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case Auth:
		return http.StatusUnauthorized
	case ModeDisabled, BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case CapExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a kinded error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err. The second return is false when err
// carries no kind.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// StatusOf maps err to an HTTP status, defaulting to 500 for unkinded
// errors.
func StatusOf(err error) int {
	if k, ok := KindOf(err); ok {
		return k.HTTPStatus()
	}
	return http.StatusInternalServerError
}
