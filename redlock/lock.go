package redlock

import (
	"context"
	"sync"
	"time"
)

// Lock is a handle to a resource held across a quorum of server clients. It
// is created by a successful Acquire, mutated only by Extend (which
// overwrites Expiration and Attempts in place while preserving identity),
// and logically destroyed by Unlock — there is no server-enforced removal
// of the handle itself, the manager simply considers correctness guarantees
// void thereafter.
//
// A Lock is not self-releasing: callers must call Unlock explicitly.
// Expiration is the safety net, drift is the safety margin.
type Lock struct {
	manager  *Manager
	resource Resource
	value    string

	mu         sync.Mutex
	expiration time.Time
	attempts   int
}

// Resource returns the keyset this Lock protects.
func (l *Lock) Resource() Resource { return l.resource }

// Value returns the lock's opaque per-acquisition token.
func (l *Lock) Value() string { return l.value }

// Expiration returns the wall-clock time after which the lock is no longer
// guaranteed held.
func (l *Lock) Expiration() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.expiration
}

// Attempts returns the 1-based count of rounds used in the lock's most
// recent successful acquire or extend.
func (l *Lock) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.attempts
}

// Stale reports whether the lock's expiration has already passed. A stale
// handle can still be unlocked server-side, but the unlock no longer
// carries correctness weight.
func (l *Lock) Stale() bool {
	return !l.Expiration().After(time.Now())
}

// Unlock releases the lock by delegating to its owning manager. It is safe
// to call even on a stale handle.
func (l *Lock) Unlock(ctx context.Context) error {
	return l.manager.Release(ctx, l)
}

// Extend renews the lock's lease by delegating to its owning manager. On
// success it returns the same *Lock, mutated in place.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (*Lock, error) {
	return l.manager.Extend(ctx, l, ttl)
}

// Valid reports whether the lock's value still matches on quorum. It makes
// one round with no retry and no rollback; it runs the extend script with the
// handle's remaining time, so it also resets the TTL on every server that
// still holds the value.
func (l *Lock) Valid(ctx context.Context) (bool, error) {
	return l.manager.Valid(ctx, l)
}

// Attach reconstructs a Lock handle for a resource/value pair already
// acquired elsewhere (e.g. printed by one process and unlocked or extended
// by another), so Unlock/Extend/Valid can be invoked against it again.
// expiration should be the value the original Acquire reported.
func (m *Manager) Attach(resource Resource, value string, expiration time.Time) *Lock {
	return &Lock{manager: m, resource: resource, value: value, expiration: expiration}
}

func (l *Lock) setExpiration(t time.Time, attempts int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expiration = t
	l.attempts = attempts
}
