// Package toolerr defines the error taxonomy returned at the worker-facing
// tool surface (spec §7) plus the State Store's transient failure kind.
package toolerr

import "errors"

// Kind is one member of the error taxonomy.
type Kind string

const (
	UnknownRole          Kind = "unknown_role"
	UnknownFromRole      Kind = "unknown_from_role"
	MissingBlockedReason Kind = "missing_blocked_reason"
	MissingTarget        Kind = "missing_target"
	InvalidStatus        Kind = "invalid_status"
	InvalidType          Kind = "invalid_type"
	InvalidCheckpoint    Kind = "invalid_checkpoint"
	AlreadyTerminal      Kind = "already_terminal"
	StorageUnavailable   Kind = "storage_unavailable"
	NotInitialized       Kind = "not_initialized"
)

// Error is a user-visible error raised at the tool surface, or by the State
// Store when it fails transiently.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Is reports whether err carries the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// ErrInvalidCheckpoint is the sentinel for a checkpoint whose counts don't
// satisfy completed-count + |pending| == total-count (§3, I5).
var ErrInvalidCheckpoint = New(InvalidCheckpoint, "completed-count + pending != total-count")
