package redlock

import (
	"errors"
	"fmt"
)

// ErrNoClients is a configuration error raised at construction when the
// server client list is empty. It is deliberately not a *LockError: it
// signals programmer error, not a protocol outcome.
var ErrNoClients = errors.New("redlock: at least one server client is required")

// Kind discriminates the circumstances under which a LockError was raised.
type Kind int

const (
	// KindUnavailable means acquire or extend exhausted every round without
	// reaching quorum with a positive validity window.
	KindUnavailable Kind = iota

	// KindMismatch means extend was attempted on a Lock whose expiration
	// had already passed, whose value matched on zero servers at round
	// one, or release failed to reach quorum agreement that the caller's
	// value was the one actually held. No retries are attempted for any
	// of these causes.
	KindMismatch
)

// LockError is returned by Acquire, Extend and Release when the protocol
// could not establish or confirm ownership of a Resource. Use errors.As to
// discriminate it from transport-level errors, which are never returned
// directly — those are folded into the vote count and surfaced individually
// via the manager's client-error sink.
type LockError struct {
	Kind     Kind
	Attempts int
	Resource Resource
}

func (e *LockError) Error() string {
	switch e.Kind {
	case KindMismatch:
		return fmt.Sprintf("redlock: %s: value mismatch or already released (attempts=%d)", e.Resource, e.Attempts)
	default:
		return fmt.Sprintf("redlock: %s: failed to reach quorum after %d attempt(s)", e.Resource, e.Attempts)
	}
}

// IsLockError reports whether err is, or wraps, a *LockError.
func IsLockError(err error) bool {
	var lerr *LockError

	return errors.As(err, &lerr)
}
