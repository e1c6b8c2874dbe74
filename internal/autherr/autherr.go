// Package autherr defines the error taxonomy shared by the
// authentication gate, role mutation engine and team view builder. Every
// error carries a machine status and a user-safe message; internal causes
// are wrapped but never shown to callers.
package autherr

import (
	"errors"
	"fmt"
)

// Kind tags an error with its taxonomy class.
type Kind string

const (
	InvalidRequest     Kind = "invalid_request"
	InvalidIdentifier  Kind = "invalid_identifier"
	Unauthorized       Kind = "unauthorized"
	Forbidden          Kind = "forbidden"
	NotFound           Kind = "not_found"
	Disabled           Kind = "disabled"
	Conflict           Kind = "conflict"
	UpstreamFailure    Kind = "upstream_failure"
	LockedRecoverySent Kind = "locked_recovery_sent"
	LockedNoRecovery   Kind = "locked_no_recovery"
	ReservedSubject    Kind = "reserved_subject"
)

// statusByKind maps taxonomy classes to machine status codes. Validation
// failures use 412 and unsafe identifiers 406, matching the wire contract
// clients already depend on.
var statusByKind = map[Kind]int{
	InvalidRequest:     412,
	InvalidIdentifier:  406,
	Unauthorized:       401,
	Forbidden:          403,
	NotFound:           404,
	Disabled:           403,
	Conflict:           409,
	UpstreamFailure:    500,
	LockedRecoverySent: 423,
	LockedNoRecovery:   423,
	ReservedSubject:    403,
}

// Error is a taxonomy-tagged error with a stable status and a message
// safe to return to clients.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// New constructs an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Status: StatusOf(kind), Message: message}
}

// Newf constructs an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches an internal cause to a taxonomy error. The cause is
// reachable through errors.Is/As but excluded from the client message.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// StatusOf returns the machine status for a kind.
func StatusOf(kind Kind) int {
	if code, ok := statusByKind[kind]; ok {
		return code
	}
	return 500
}

// KindOf extracts the taxonomy kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err belongs to the given taxonomy class.
func IsKind(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}
