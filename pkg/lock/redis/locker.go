package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kalbasit/redlockctl/internal/redisclient"
	"github.com/kalbasit/redlockctl/pkg/circuitbreaker"
	"github.com/kalbasit/redlockctl/pkg/lock"
	"github.com/kalbasit/redlockctl/pkg/lock/local"
	"github.com/kalbasit/redlockctl/redlock"
)

// Locker implements lock.Locker by running the Redlock quorum protocol,
// via redlock.Manager, across every reachable node in Config.Addrs.
type Locker struct {
	manager   *redlock.Manager // nil when running permanently in degraded mode
	keyPrefix string

	mu    sync.Mutex
	locks map[string]*redlock.Lock

	fallbackLocker lock.Locker
	circuitBreaker *circuitbreaker.CircuitBreaker

	acquisitionTimes sync.Map
}

// NewLocker connects to every address in cfg.Addrs and returns a Locker
// running Redlock across whichever nodes answered, provided at least a
// quorum did. If fewer than quorum answered: with allowDegradedMode it
// returns a *Locker whose circuit breaker starts forced open (so every
// call routes to the in-process fallback), otherwise it returns an error.
func NewLocker(ctx context.Context, cfg Config, retryCfg lock.RetryConfig, allowDegradedMode bool) (lock.Locker, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoRedisAddrs
	}

	clients, connected := dialAll(ctx, cfg)

	quorum := len(cfg.Addrs)/2 + 1

	cb := circuitbreaker.New(circuitBreakerThreshold, circuitBreakerTimeout)

	if connected < quorum {
		closeAll(ctx, clients)

		if !allowDegradedMode {
			return nil, fmt.Errorf("%w: %d/%d", ErrInsufficientNodesQuorum, connected, quorum)
		}

		zerolog.Ctx(ctx).Warn().
			Int("connected", connected).
			Int("required", quorum).
			Msg("insufficient Redis nodes for quorum, running in degraded mode")

		cb.ForceOpen()

		return &Locker{
			keyPrefix:      cfg.keyPrefix(),
			locks:          make(map[string]*redlock.Lock),
			fallbackLocker: local.NewLocker(),
			circuitBreaker: cb,
		}, nil
	}

	manager, err := redlock.NewManager(clients,
		redlock.WithRetryCount(max(retryCfg.MaxAttempts-1, 0)),
		redlock.WithRetryDelay(retryCfg.InitialDelay),
		redlock.WithRetryJitter(jitterWindow(retryCfg)),
		redlock.WithClientErrorHandler(func(err error) {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("redis node unreachable during lock operation")
			cb.RecordFailure()
		}),
	)
	if err != nil {
		closeAll(ctx, clients)

		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Int("connected_nodes", connected).
		Int("total_nodes", len(cfg.Addrs)).
		Msg("connected to Redis nodes for distributed locking")

	return &Locker{
		manager:        manager,
		keyPrefix:      cfg.keyPrefix(),
		locks:          make(map[string]*redlock.Lock),
		fallbackLocker: local.NewLocker(),
		circuitBreaker: cb,
	}, nil
}

// Lock acquires an exclusive lock for key via the Redlock quorum protocol,
// retrying internally per the Manager's configured retry policy.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	if l.manager == nil || !l.circuitBreaker.AllowRequest() {
		lock.RecordLockFailure(ctx, lock.LockTypeExclusive, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		return l.degradedLock(ctx, key, ttl)
	}

	resource := redlock.Key(l.keyPrefix + key)

	lk, err := l.manager.Acquire(ctx, resource, ttl)
	if err != nil {
		if ctx.Err() != nil {
			lock.RecordLockFailure(ctx, lock.LockTypeExclusive, lock.LockModeDistributed, lock.LockFailureContextCanceled)

			return ctx.Err()
		}

		lock.RecordLockFailure(ctx, lock.LockTypeExclusive, lock.LockModeDistributed, lock.LockFailureMaxRetries)

		return fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	l.circuitBreaker.RecordSuccess()

	l.mu.Lock()
	l.locks[key] = lk
	l.mu.Unlock()

	lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeDistributed, lock.LockResultSuccess)
	l.acquisitionTimes.Store(key, time.Now())

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Dur("ttl", ttl).
		Int("attempts", lk.Attempts()).
		Msg("acquired distributed lock")

	return nil
}

// Unlock releases the exclusive lock held for key, if any.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	if val, ok := l.acquisitionTimes.LoadAndDelete(key); ok {
		if startTime, ok := val.(time.Time); ok {
			lock.RecordLockDuration(ctx, lock.LockTypeExclusive, lock.LockModeDistributed, time.Since(startTime).Seconds())
		}
	}

	if l.manager == nil || !l.circuitBreaker.AllowRequest() {
		return l.fallbackLocker.Unlock(ctx, key)
	}

	l.mu.Lock()
	lk, ok := l.locks[key]
	delete(l.locks, key)
	l.mu.Unlock()

	if !ok {
		// Lock may have failed to acquire, or we're unlocking a degraded-mode
		// fallback lock; either way there is nothing of ours to release here.
		return l.fallbackLocker.Unlock(ctx, key)
	}

	if err := lk.Unlock(ctx); err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("key", key).
			Msg("failed to release distributed lock (will expire via TTL)")

		return nil
	}

	zerolog.Ctx(ctx).Debug().Str("key", key).Msg("released distributed lock")

	return nil
}

// TryLock attempts to acquire key without retrying.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if l.manager == nil || !l.circuitBreaker.AllowRequest() {
		lock.RecordLockFailure(ctx, lock.LockTypeExclusive, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		return l.fallbackLocker.TryLock(ctx, key, ttl)
	}

	resource := redlock.Key(l.keyPrefix + key)

	lk, err := l.manager.TryAcquire(ctx, resource, ttl)
	if err != nil {
		if redlock.IsLockError(err) {
			lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeDistributed, lock.LockResultContention)

			return false, nil
		}

		lock.RecordLockFailure(ctx, lock.LockTypeExclusive, lock.LockModeDistributed, lock.LockFailureRedisError)

		return false, fmt.Errorf("error trying lock %s: %w", key, err)
	}

	l.circuitBreaker.RecordSuccess()

	l.mu.Lock()
	l.locks[key] = lk
	l.mu.Unlock()

	lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeDistributed, lock.LockResultSuccess)
	l.acquisitionTimes.Store(key, time.Now())

	return true, nil
}

func (l *Locker) degradedLock(ctx context.Context, key string, ttl time.Duration) error {
	if l.fallbackLocker == nil {
		return ErrCircuitBreakerOpen
	}

	zerolog.Ctx(ctx).Warn().
		Str("key", key).
		Msg("circuit breaker open, using fallback local lock (DEGRADED MODE)")

	return l.fallbackLocker.Lock(ctx, key, ttl)
}

func dialAll(ctx context.Context, cfg Config) ([]redlock.ServerClient, int) {
	clients := make([]redlock.ServerClient, 0, len(cfg.Addrs))

	connected := 0

	for _, addr := range cfg.Addrs {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})

		c := redisclient.New(rdb)

		if err := c.Ping(ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("addr", addr).Msg("failed to connect to Redis node")
			_ = rdb.Close()

			continue
		}

		clients = append(clients, c)
		connected++
	}

	return clients, connected
}

func closeAll(ctx context.Context, clients []redlock.ServerClient) {
	for _, c := range clients {
		_ = c.Quit(ctx)
	}
}

// jitterWindow derives a symmetric jitter window from a proportional retry
// config: JitterFactor of InitialDelay, or none if jitter is disabled.
func jitterWindow(cfg lock.RetryConfig) time.Duration {
	if !cfg.Jitter {
		return 0
	}

	return time.Duration(float64(cfg.InitialDelay) * cfg.GetJitterFactor())
}
