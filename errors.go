package relay

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// ErrorKind classifies engine and backend failures.
type ErrorKind string

const (
	// KindNetworkFailure is a transient transport failure, eligible for
	// user-initiated retry.
	KindNetworkFailure ErrorKind = "network_failure"
	// KindAuthExpired means the bearer token was rejected. The client retries
	// once after a token refresh before surfacing this.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindNotFound means the conversation or message no longer exists.
	// Non-retryable.
	KindNotFound ErrorKind = "not_found"
	// KindMalformedServerData marks a payload missing required fields. Such
	// payloads are logged and dropped, never applied.
	KindMalformedServerData ErrorKind = "malformed_server_data"
	// KindFetchFailed is a failed history fetch (initial open or load-older).
	KindFetchFailed ErrorKind = "fetch_failed"
	// KindSendFailed is a failed message send; the pending entry stays visible
	// in the Failed state for manual retry or discard.
	KindSendFailed ErrorKind = "send_failed"
)

var (
	errSessionNotActive = errors.New("session not active")
	errUnknownTempID    = errors.New("unknown tempId")
)

// Error carries an ErrorKind alongside the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "session.open"
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps err with a kind and operation name.
func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the ErrorKind of err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the failure is worth a manual retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetworkFailure, KindFetchFailed, KindSendFailed:
		return true
	}
	return false
}
