// Package redisclient adapts github.com/redis/go-redis/v9 to the
// redlock.ServerClient interface, so a redlock.Manager can treat a Redis
// node as one quorum participant. It knows nothing about the Redlock
// protocol itself — it only runs whatever script it is handed and reports
// the integer reply.
package redisclient

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client wraps a single *redis.Client as a redlock.ServerClient.
type Client struct {
	rdb *redis.Client

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// New wraps rdb.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, scripts: make(map[string]*redis.Script)}
}

// Addr reports the address this client was configured with.
func (c *Client) Addr() string {
	return c.rdb.Options().Addr
}

// Evaluate runs script against keys and args using EVALSHA, falling back
// transparently to EVAL on a NOSCRIPT reply (redis.Script.Run does this
// internally). Each distinct body is compiled to a *redis.Script once and
// reused, since a Manager only ever evaluates its three configured
// bodies, regardless of how many times Evaluate is called.
func (c *Client) Evaluate(ctx context.Context, script string, keys []string, args []any) (int64, error) {
	return c.scriptFor(script).Run(ctx, c.rdb, keys, args...).Int64()
}

func (c *Client) scriptFor(body string) *redis.Script {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.scripts[body]; ok {
		return s
	}

	s := redis.NewScript(body)
	c.scripts[body] = s

	return s
}

// Quit closes the underlying connection pool.
func (c *Client) Quit(_ context.Context) error {
	return c.rdb.Close()
}

// Ping verifies connectivity to the node, used at construction time to
// fail fast on an unreachable address rather than discovering it on the
// first lock attempt.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
