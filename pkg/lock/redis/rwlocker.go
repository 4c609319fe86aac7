package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kalbasit/redlockctl/pkg/circuitbreaker"
	"github.com/kalbasit/redlockctl/pkg/lock"
	"github.com/kalbasit/redlockctl/pkg/lock/local"
)

// pollBackoffConfig governs how quickly RWLocker's reader/writer wait loops
// back off between polls, via the same lock.CalculateBackoff the exclusive
// Locker's retry policy is expressed in.
var pollBackoffConfig = lock.RetryConfig{ //nolint:gochecknoglobals
	InitialDelay: 5 * time.Millisecond,
	MaxDelay:     50 * time.Millisecond,
}

// RWLocker implements lock.RWLocker using a Redis hash for readers and
// SETNX for the writer slot. Unlike Locker, it does not run the Redlock
// quorum protocol — there is no standard multi-master algorithm for
// reader/writer coordination, so RWLocker instead talks to a single
// connection (or a cluster client, when Config.Addrs names more than one
// address, so reads and writes land on whichever node owns the hash slot).
type RWLocker struct {
	client    redis.UniversalClient
	keyPrefix string

	readerIDMu sync.Mutex
	readerID   string

	fallbackLocker lock.RWLocker
	circuitBreaker *circuitbreaker.CircuitBreaker

	writeAcquisitionTimes sync.Map
}

// NewRWLocker connects to cfg.Addrs (as a cluster client when there is more
// than one) and returns an RWLocker, or a degraded, permanently-local one
// if the connection fails and allowDegradedMode is set.
func NewRWLocker(ctx context.Context, cfg Config, allowDegradedMode bool) (lock.RWLocker, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoRedisAddrs
	}

	var client redis.UniversalClient
	if len(cfg.Addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Username: cfg.Username,
			Password: cfg.Password,
			PoolSize: cfg.PoolSize,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addrs[0],
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if allowDegradedMode {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Redis unavailable, running in degraded mode with local locks")

			return local.NewRWLocker(), nil
		}

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	mode := "single-node"
	if len(cfg.Addrs) > 1 {
		mode = "cluster"
	}

	zerolog.Ctx(ctx).Info().
		Str("mode", mode).
		Int("nodes", len(cfg.Addrs)).
		Msg("connected to Redis for read-write locking")

	return &RWLocker{
		client:         client,
		keyPrefix:      cfg.keyPrefix(),
		fallbackLocker: local.NewRWLocker(),
		circuitBreaker: circuitbreaker.New(circuitBreakerThreshold, circuitBreakerTimeout),
	}, nil
}

// Lock acquires an exclusive write lock, waiting for active readers to
// drain before returning.
func (rw *RWLocker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	if !rw.circuitBreaker.AllowRequest() {
		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		return rw.fallbackLocker.Lock(ctx, key, ttl)
	}

	writerKey, readersKey := rw.keys(key)

	success, err := rw.client.SetNX(ctx, writerKey, "1", ttl).Result()
	if err != nil {
		return rw.handleWriteError(ctx, key, ttl, err)
	}

	if !success {
		lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultContention)

		return ErrWriteLockHeld
	}

	deadline := time.Now().Add(ttl)

	for attempt := 1; ; attempt++ {
		active, err := rw.countActiveReaders(ctx, readersKey)
		if err != nil {
			rw.client.Del(ctx, writerKey)

			return fmt.Errorf("error checking readers: %w", err)
		}

		if active == 0 {
			break
		}

		if time.Now().After(deadline) {
			rw.client.Del(ctx, writerKey)
			lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureTimeout)

			return ErrReadersTimeout
		}

		select {
		case <-ctx.Done():
			rw.client.Del(ctx, writerKey)
			lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureContextCanceled)

			return ctx.Err()
		case <-time.After(lock.CalculateBackoff(pollBackoffConfig, attempt)):
		}
	}

	rw.circuitBreaker.RecordSuccess()
	lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultSuccess)
	rw.writeAcquisitionTimes.Store(key, time.Now())

	return nil
}

// Unlock releases the write lock held for key.
func (rw *RWLocker) Unlock(ctx context.Context, key string) error {
	if val, ok := rw.writeAcquisitionTimes.LoadAndDelete(key); ok {
		if startTime, ok := val.(time.Time); ok {
			lock.RecordLockDuration(ctx, lock.LockTypeWrite, lock.LockModeDistributed, time.Since(startTime).Seconds())
		}
	}

	if !rw.circuitBreaker.AllowRequest() {
		return rw.fallbackLocker.Unlock(ctx, key)
	}

	writerKey, _ := rw.keys(key)

	return rw.client.Del(ctx, writerKey).Err()
}

// TryLock attempts to acquire the write lock without waiting for readers
// more than once.
func (rw *RWLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !rw.circuitBreaker.AllowRequest() {
		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		return rw.fallbackLocker.TryLock(ctx, key, ttl)
	}

	writerKey, readersKey := rw.keys(key)

	success, err := rw.client.SetNX(ctx, writerKey, "1", ttl).Result()
	if err != nil {
		if isConnectionError(err) {
			rw.circuitBreaker.RecordFailure()

			if !rw.circuitBreaker.AllowRequest() {
				return rw.fallbackLocker.TryLock(ctx, key, ttl)
			}
		}

		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureRedisError)

		return false, fmt.Errorf("error trying write lock: %w", err)
	}

	if !success {
		lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultContention)

		return false, nil
	}

	active, err := rw.countActiveReaders(ctx, readersKey)
	if err != nil {
		rw.client.Del(ctx, writerKey)
		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureRedisError)

		return false, fmt.Errorf("error checking readers: %w", err)
	}

	if active > 0 {
		rw.client.Del(ctx, writerKey)
		lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultContention)

		return false, nil
	}

	rw.circuitBreaker.RecordSuccess()
	lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultSuccess)
	rw.writeAcquisitionTimes.Store(key, time.Now())

	return true, nil
}

// RLock acquires a shared read lock, waiting for any active writer to
// clear first.
func (rw *RWLocker) RLock(ctx context.Context, key string, ttl time.Duration) error {
	if !rw.circuitBreaker.AllowRequest() {
		lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		return rw.fallbackLocker.RLock(ctx, key, ttl)
	}

	writerKey, readersKey := rw.keys(key)
	readerID := rw.getOrCreateReaderID()

	deadline := time.Now().Add(ttl)

	for attempt := 1; ; attempt++ {
		exists, err := rw.client.Exists(ctx, writerKey).Result()
		if err != nil {
			return rw.handleReadError(ctx, key, ttl, err)
		}

		if exists == 0 {
			break
		}

		if time.Now().After(deadline) {
			lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureTimeout)

			return ErrWriteLockTimeout
		}

		time.Sleep(lock.CalculateBackoff(pollBackoffConfig, attempt))
	}

	expiresAt := time.Now().Add(ttl).Format(time.RFC3339)

	if err := rw.client.HSet(ctx, readersKey, readerID, expiresAt).Err(); err != nil {
		lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureRedisError)

		return fmt.Errorf("error acquiring read lock: %w", err)
	}

	rw.circuitBreaker.RecordSuccess()
	lock.RecordLockAcquisition(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockResultSuccess)

	return nil
}

// RUnlock releases the caller's shared read lock.
func (rw *RWLocker) RUnlock(ctx context.Context, key string) error {
	if !rw.circuitBreaker.AllowRequest() {
		return rw.fallbackLocker.RUnlock(ctx, key)
	}

	_, readersKey := rw.keys(key)

	return rw.client.HDel(ctx, readersKey, rw.getOrCreateReaderID()).Err()
}

func (rw *RWLocker) keys(key string) (writerKey, readersKey string) {
	// Hash tags keep both keys on the same cluster slot.
	return fmt.Sprintf("%s{%s}:writer", rw.keyPrefix, key), fmt.Sprintf("%s{%s}:readers", rw.keyPrefix, key)
}

func (rw *RWLocker) countActiveReaders(ctx context.Context, readersKey string) (int, error) {
	readers, err := rw.client.HGetAll(ctx, readersKey).Result()
	if err != nil {
		return 0, err
	}

	now := time.Now().Unix()

	active := 0

	for readerID, expiresAtStr := range readers {
		expiresAt, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil || expiresAt.Unix() <= now {
			rw.client.HDel(ctx, readersKey, readerID)

			continue
		}

		active++
	}

	return active, nil
}

func (rw *RWLocker) handleWriteError(ctx context.Context, key string, ttl time.Duration, err error) error {
	if isConnectionError(err) {
		rw.circuitBreaker.RecordFailure()

		if !rw.circuitBreaker.AllowRequest() {
			lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

			return rw.fallbackLocker.Lock(ctx, key, ttl)
		}
	}

	lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureRedisError)

	return fmt.Errorf("error acquiring write lock: %w", err)
}

func (rw *RWLocker) handleReadError(ctx context.Context, key string, ttl time.Duration, err error) error {
	if isConnectionError(err) {
		rw.circuitBreaker.RecordFailure()

		if !rw.circuitBreaker.AllowRequest() {
			lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

			return rw.fallbackLocker.RLock(ctx, key, ttl)
		}
	}

	lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureRedisError)

	return fmt.Errorf("error checking writer lock: %w", err)
}

func (rw *RWLocker) getOrCreateReaderID() string {
	rw.readerIDMu.Lock()
	defer rw.readerIDMu.Unlock()

	if rw.readerID == "" {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		rw.readerID = hex.EncodeToString(b)
	}

	return rw.readerID
}
