package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pagegraph/pagesync/internal/ws"
)

// Kind classifies engine failures. Every failure the engine surfaces maps to
// exactly one kind so callers can branch without string matching.
type Kind int

const (
	// KindUnknown is the bucket for anything not matching a known kind.
	KindUnknown Kind = iota
	// KindInvalidToken means the auth token did not parse to a user identity.
	KindInvalidToken
	// KindNotSyncGraph means the local database is not bound to a remote graph.
	KindNotSyncGraph
	// KindSchemaVersionNotFound means the local database has no schema version.
	KindSchemaVersionNotFound
	// KindRemoteSchemaVersionNotFound means no remote schema version was
	// ever recorded locally.
	KindRemoteSchemaVersionNotFound
	// KindMajorSchemaMismatch means app, local, and remote major schema
	// versions do not all agree. The error carries which side is ahead.
	KindMajorSchemaMismatch
	// KindLockFailed means another sync loop already holds the exclusivity
	// lock. Explicitly retryable: stop the existing loop and start again.
	KindLockFailed
	// KindDBNotFound means no local database connection is available.
	KindDBNotFound
	// KindSocketTimeout means the server did not respond within its budget.
	// Non-fatal for the process: it triggers a loop restart request.
	KindSocketTimeout
)

// String returns the wire/display name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidToken:
		return "invalid-token"
	case KindNotSyncGraph:
		return "not-a-sync-enabled-graph"
	case KindSchemaVersionNotFound:
		return "schema-version-not-found"
	case KindRemoteSchemaVersionNotFound:
		return "remote-schema-version-not-found"
	case KindMajorSchemaMismatch:
		return "major-schema-version-mismatch"
	case KindLockFailed:
		return "lock-acquisition-failed"
	case KindDBNotFound:
		return "database-connection-not-found"
	case KindSocketTimeout:
		return "socket-timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind is worth retrying
// without operator intervention.
func (k Kind) Retryable() bool {
	return k == KindLockFailed || k == KindSocketTimeout
}

// MismatchSide sub-classifies a major schema version mismatch.
type MismatchSide int

const (
	// SideNone means no mismatch.
	SideNone MismatchSide = iota
	// SideLocalAhead means the local graph's major version exceeds the remote's.
	SideLocalAhead
	// SideRemoteAhead means the remote graph's major version exceeds the local's.
	SideRemoteAhead
	// SideAppAhead means the application build is ahead of the graph data.
	SideAppAhead
	// SideAppBehind means the application build is older than the graph data.
	SideAppBehind
)

// String returns the display name of the side.
func (s MismatchSide) String() string {
	switch s {
	case SideLocalAhead:
		return "local-ahead"
	case SideRemoteAhead:
		return "remote-ahead"
	case SideAppAhead:
		return "app-ahead"
	case SideAppBehind:
		return "app-behind"
	default:
		return "none"
	}
}

// Error is a classified engine failure.
type Error struct {
	Kind Kind
	// Side is set only for KindMajorSchemaMismatch.
	Side MismatchSide
	msg  string
	err  error
}

// E constructs a classified error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Ef constructs a classified error with formatting.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Side != SideNone {
		s += "/" + e.Side.String()
	}
	if e.msg != "" {
		s += ": " + e.msg
	}
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.err
}

// KindOf classifies an arbitrary error. Socket timeouts from the transport
// are recognized even without an explicit *Error wrapper; context
// cancellation is never a classified failure and reports KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ws.ErrTimeout) {
		return KindSocketTimeout
	}
	return KindUnknown
}

// IsCancellation distinguishes clean unwinding from failure. Cancellation is
// logged and rethrown, never stored as a last-stop error.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ErrNeedsFullPull is a control-flow signal, not a failure: the update
// applier reports it when incremental application cannot proceed safely and
// the loop must fall back to a full remote pull.
var ErrNeedsFullPull = errors.New("full remote pull required")
