package redlock

import (
	"context"
	"sync"
	"time"
)

// Manager is the Redlock quorum lock manager. It owns a fixed list of
// server clients, static configuration, and a factory for the Lock handles
// it hands back to callers. A Manager is safe for concurrent use: it holds
// no per-resource mutexes, and correctness across concurrent calls on the
// same resource is delegated to the server-side scripts' compare-and-set
// semantics.
type Manager struct {
	clients []ServerClient
	quorum  int
	cfg     Config

	onClientError func(error)
}

// NewManager constructs a Manager over clients, one per quorum participant.
// It fails with ErrNoClients if clients is empty. Each of the three scripts
// may be overridden via WithLockScript/WithLockScriptTransform (and the
// unlock/extend equivalents); a transform is applied exactly once here, to
// the built-in body.
func NewManager(clients []ServerClient, opts ...Option) (*Manager, error) {
	if len(clients) == 0 {
		return nil, ErrNoClients
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := defaultConfig()
	if o.driftFactor != nil {
		cfg.DriftFactor = *o.driftFactor
	}

	if o.retryCount != nil {
		cfg.RetryCount = *o.retryCount
	}

	if o.retryDelay != nil {
		cfg.RetryDelay = *o.retryDelay
	}

	if o.retryJitter != nil {
		cfg.RetryJitter = *o.retryJitter
	}

	cfg.lockScript = resolveScript(DefaultLockScript, o.lockBody, o.lockFn)
	cfg.unlockScript = resolveScript(DefaultUnlockScript, o.unlockBody, o.unlockFn)
	cfg.extendScript = resolveScript(DefaultExtendScript, o.extendBody, o.extendFn)

	m := &Manager{
		clients:       append([]ServerClient(nil), clients...),
		quorum:        len(clients)/2 + 1,
		cfg:           cfg,
		onClientError: o.onClientErr,
	}

	return m, nil
}

// Quorum returns the minimum number of server clients that must report
// full success for an operation to be considered correct: floor(N/2)+1.
func (m *Manager) Quorum() int { return m.quorum }

// Acquire attempts to lock resource for ttl, making up to
// Config.RetryCount+1 attempts. On success it returns a Lock whose Expiration
// reflects the TTL minus elapsed time minus clock drift.
func (m *Manager) Acquire(ctx context.Context, resource Resource, ttl time.Duration) (*Lock, error) {
	return m.acquire(ctx, resource, ttl, m.cfg.RetryCount+1)
}

// TryAcquire is Acquire with no retries: it makes exactly one round and
// reports contention immediately instead of backing off and trying again.
func (m *Manager) TryAcquire(ctx context.Context, resource Resource, ttl time.Duration) (*Lock, error) {
	return m.acquire(ctx, resource, ttl, 1)
}

func (m *Manager) acquire(ctx context.Context, resource Resource, ttl time.Duration, rounds int) (*Lock, error) {
	if err := resource.validate(); err != nil {
		return nil, err
	}

	value, err := newValue()
	if err != nil {
		return nil, err
	}

	ttlMs := ttl.Milliseconds()

	for round := 1; round <= rounds; round++ {
		start := time.Now()

		votes := m.broadcastVotes(ctx, m.cfg.lockScript, resource, []any{value, ttlMs}, len(resource))

		validity := m.validity(ttl, start)
		if votes >= m.quorum && validity > 0 {
			return &Lock{
				manager:    m,
				resource:   resource,
				value:      value,
				expiration: start.Add(validity),
				attempts:   round,
			}, nil
		}

		// Partial acquisition: roll back what we got, best-effort, before
		// the next round — dispatched, not necessarily completed.
		m.rollback(resource, value)

		if round < rounds {
			m.sleepBackoff(ctx)
		}
	}

	return nil, &LockError{Kind: KindUnavailable, Attempts: rounds, Resource: resource}
}

// Extend renews lock's lease for ttl. On success it mutates lock in place
// and returns the same identity. A stale lock (Expiration already passed)
// fails immediately with Attempts 0 and performs no server round; the same
// is true if round one finds the value matched on zero servers.
func (m *Manager) Extend(ctx context.Context, lock *Lock, ttl time.Duration) (*Lock, error) {
	if lock.Stale() {
		return nil, &LockError{Kind: KindMismatch, Attempts: 0, Resource: lock.resource}
	}

	rounds := m.cfg.RetryCount + 1
	ttlMs := ttl.Milliseconds()

	for round := 1; round <= rounds; round++ {
		start := time.Now()

		votes := m.broadcastVotes(ctx, m.cfg.extendScript, lock.resource, []any{lock.value, ttlMs}, len(lock.resource))

		if round == 1 && votes == 0 {
			return nil, &LockError{Kind: KindMismatch, Attempts: 0, Resource: lock.resource}
		}

		validity := m.validity(ttl, start)
		if votes >= m.quorum && validity > 0 {
			lock.setExpiration(start.Add(validity), round)

			return lock, nil
		}

		if round < rounds {
			m.sleepBackoff(ctx)
		}
	}

	return nil, &LockError{Kind: KindUnavailable, Attempts: rounds, Resource: lock.resource}
}

// Release unlocks lock. It makes one round only — release never retries,
// since a release that fails at quorum is usually racing an expiration the
// caller cannot repair anyway. Every server client is always attempted;
// individual failures are emitted on the client-error sink and do not
// abort the broadcast.
func (m *Manager) Release(ctx context.Context, lock *Lock) error {
	votes := m.broadcastVotes(ctx, m.cfg.unlockScript, lock.resource, []any{lock.value}, len(lock.resource))
	if votes < m.quorum {
		return &LockError{Kind: KindMismatch, Attempts: 1, Resource: lock.resource}
	}

	return nil
}

// Valid reports whether lock's value still matches on quorum. It is built
// on the extend script rather than a dedicated read-only script, so a
// successful call has the side effect of refreshing the lock's TTL on
// every server that still holds it.
func (m *Manager) Valid(ctx context.Context, lock *Lock) (bool, error) {
	if lock.Stale() {
		return false, nil
	}

	ttlMs := time.Until(lock.Expiration()).Milliseconds()
	if ttlMs <= 0 {
		return false, nil
	}

	votes := m.broadcastVotes(ctx, m.cfg.extendScript, lock.resource, []any{lock.value, ttlMs}, len(lock.resource))

	return votes >= m.quorum, nil
}

// Quit disconnects every server client in parallel and returns their
// results in client order, errors surfaced as resolved values rather than
// a combined error so callers see every client's outcome uniformly. After
// Quit, behavior of further operations on the manager is undefined.
func (m *Manager) Quit(ctx context.Context) []error {
	results := make([]error, len(m.clients))

	var wg sync.WaitGroup

	wg.Add(len(m.clients))

	for i, c := range m.clients {
		go func(i int, c ServerClient) {
			defer wg.Done()

			results[i] = c.Quit(ctx)
		}(i, c)
	}

	wg.Wait()

	return results
}

// validity computes ttl minus elapsed time since start minus clock drift,
// where drift is floor(ttl*DriftFactor) + the fixed 2ms floor.
func (m *Manager) validity(ttl time.Duration, start time.Time) time.Duration {
	drift := time.Duration(float64(ttl)*m.cfg.DriftFactor) + driftFloorMillis*time.Millisecond
	elapsed := time.Since(start)

	return ttl - elapsed - drift
}

// broadcastVotes evaluates script against every server client concurrently,
// waiting for every reply before tallying — there is no early-quorum
// shortcut, so elapsed time in the caller's validity computation always
// reflects the slowest participant. A per-server reply counts as a vote
// iff it equals required (every key in the resource contributed); any
// other numeric reply is a silent partial failure, while a transport or
// reply error is surfaced once via the client-error sink and also counts
// as a non-vote.
func (m *Manager) broadcastVotes(ctx context.Context, script string, resource Resource, args []any, required int) int {
	keys := []string(resource)

	var (
		wg    sync.WaitGroup
		votes voteCounter
	)

	wg.Add(len(m.clients))

	for _, c := range m.clients {
		go func(c ServerClient) {
			defer wg.Done()

			n, err := c.Evaluate(ctx, script, keys, args)
			if err != nil {
				if m.onClientError != nil {
					m.onClientError(err)
				}

				return
			}

			if int(n) == required {
				votes.add(1)
			}
		}(c)
	}

	wg.Wait()

	return votes.value()
}

// rollback fires an unlock broadcast for a partial acquisition. Its outcome
// never gates the next retry round, and its errors are suppressed — they
// are not protocol failures, just best-effort cleanup.
func (m *Manager) rollback(resource Resource, value string) {
	keys := []string(resource)

	for _, c := range m.clients {
		go func(c ServerClient) {
			_, _ = c.Evaluate(context.Background(), m.cfg.unlockScript, keys, []any{value})
		}(c)
	}
}

// voteCounter is a tiny concurrency-safe counter; a dedicated type avoids
// pulling in sync/atomic's pointer-heavy API for what is just a tally.
type voteCounter struct {
	mu sync.Mutex
	n  int
}

func (c *voteCounter) add(d int) {
	c.mu.Lock()
	c.n += d
	c.mu.Unlock()
}

func (c *voteCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.n
}
