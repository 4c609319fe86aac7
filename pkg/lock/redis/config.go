// Package redis provides distributed lock implementations backed by Redis.
//
// Locker implements lock.Locker on top of redlock.Manager, running the
// Redlock quorum protocol across every address in Config.Addrs. RWLocker
// implements lock.RWLocker using SETNX for the writer slot and a reader
// hash with per-reader expiration, against a single connection (or a
// cluster client, when more than one address is given) — it does not run
// the quorum protocol, since read-write coordination has no equivalent to
// Redlock's multi-master majority vote.
//
// Both lockers route calls to pkg/lock/local while their circuit breaker is
// open. allowDegradedMode only matters at construction: when the nodes
// cannot be reached, NewLocker returns a Locker whose breaker starts forced
// open and NewRWLocker returns a local RWLocker, instead of an error.
package redis

import (
	"errors"
	"time"
)

// Errors returned by Redis lock operations.
var (
	ErrNoRedisAddrs            = errors.New("at least one Redis address is required")
	ErrInsufficientNodesQuorum = errors.New("insufficient Redis nodes connected to form a quorum")
	ErrCircuitBreakerOpen      = errors.New("circuit breaker open: Redis is unavailable")
	ErrWriteLockHeld           = errors.New("write lock already held")
	ErrReadersTimeout          = errors.New("timeout waiting for readers to finish")
	ErrWriteLockTimeout        = errors.New("timeout waiting for write lock to clear")
)

// Config holds Redis configuration for distributed locking.
type Config struct {
	// Addrs is a list of Redis server addresses, one per Redlock quorum
	// participant.
	//   Single node: ["localhost:6379"]
	//   Quorum of five: ["node1:6379", ..., "node5:6379"]
	Addrs []string

	// Username for authentication (optional, required for Redis ACL).
	Username string

	// Password for authentication (optional).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// PoolSize is the maximum number of socket connections per node.
	PoolSize int

	// KeyPrefix for all distributed lock keys.
	KeyPrefix string
}

const defaultKeyPrefix = "ncps:lock:"

func (c Config) keyPrefix() string {
	if c.KeyPrefix == "" {
		return defaultKeyPrefix
	}

	return c.KeyPrefix
}

// circuitBreakerThreshold and circuitBreakerTimeout size the
// pkg/circuitbreaker.CircuitBreaker shared by Locker and RWLocker.
const (
	circuitBreakerThreshold = 5
	circuitBreakerTimeout   = 1 * time.Minute
)
