package redlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is an in-memory stand-in for a single quorum participant. It
// reimplements the three default scripts' semantics directly in Go rather
// than running Lua, since the redlock package itself never talks to a real
// server — that is left to a ServerClient implementation such as the one in
// internal/redisclient.
type fakeServer struct {
	mu sync.Mutex

	values  map[string]string
	expires map[string]time.Time

	down     bool
	downErr  error
	evalHook func(script string, keys []string, args []any)
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
	}
}

func (f *fakeServer) Evaluate(_ context.Context, script string, keys []string, args []any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.evalHook != nil {
		f.evalHook(script, keys, args)
	}

	if f.down {
		if f.downErr != nil {
			return 0, f.downErr
		}

		return 0, errors.New("fakeServer: unavailable")
	}

	f.expireLocked()

	switch script {
	case DefaultLockScript:
		value := args[0].(string)
		ttl := time.Duration(args[1].(int64)) * time.Millisecond

		var n int64

		for _, k := range keys {
			if _, exists := f.values[k]; !exists {
				f.values[k] = value
				f.expires[k] = time.Now().Add(ttl)
				n++
			}
		}

		return n, nil

	case DefaultUnlockScript:
		value := args[0].(string)

		var n int64

		for _, k := range keys {
			if f.values[k] == value {
				delete(f.values, k)
				delete(f.expires, k)

				n++
			}
		}

		return n, nil

	case DefaultExtendScript:
		value := args[0].(string)
		ttl := time.Duration(args[1].(int64)) * time.Millisecond

		var n int64

		for _, k := range keys {
			if f.values[k] == value {
				f.expires[k] = time.Now().Add(ttl)
				n++
			}
		}

		return n, nil

	default:
		return 0, errors.New("fakeServer: unknown script")
	}
}

func (f *fakeServer) Quit(context.Context) error {
	return nil
}

func (f *fakeServer) expireLocked() {
	now := time.Now()
	for k, exp := range f.expires {
		if now.After(exp) {
			delete(f.values, k)
			delete(f.expires, k)
		}
	}
}

func (f *fakeServer) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func clientsOf(servers []*fakeServer) []ServerClient {
	clients := make([]ServerClient, len(servers))
	for i, s := range servers {
		clients[i] = s
	}

	return clients
}

func newFakeServers(n int) ([]*fakeServer, []ServerClient) {
	servers := make([]*fakeServer, n)
	for i := range servers {
		servers[i] = newFakeServer()
	}

	return servers, clientsOf(servers)
}

func TestNewManager_NoClients(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil)
	require.ErrorIs(t, err, ErrNoClients)
}

func TestManager_Quorum(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		n    int
		want int
	}{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3},
	} {
		_, clients := newFakeServers(tc.n)

		m, err := NewManager(clients)
		require.NoError(t, err)
		assert.Equal(t, tc.want, m.Quorum())
	}
}

func TestManager_AcquireReleaseRoundTrip(t *testing.T) {
	t.Parallel()

	_, clients := newFakeServers(5)

	m, err := NewManager(clients, WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()

	lock, err := m.Acquire(ctx, Key("resource-a"), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, lock.Attempts())
	assert.True(t, lock.Expiration().After(time.Now()))

	require.NoError(t, lock.Unlock(ctx))
}

func TestManager_AcquireFailsWithoutQuorum(t *testing.T) {
	t.Parallel()

	servers, clients := newFakeServers(5)
	servers[0].setDown(true)
	servers[1].setDown(true)
	servers[2].setDown(true)

	m, err := NewManager(clients, WithRetryCount(0), WithRetryJitter(0))
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), Key("resource-a"), 10*time.Second)
	require.Error(t, err)
	assert.True(t, IsLockError(err))

	var lerr *LockError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, KindUnavailable, lerr.Kind)
	assert.Equal(t, 1, lerr.Attempts)
}

func TestManager_AcquireAlreadyHeldByAnotherValue(t *testing.T) {
	t.Parallel()

	servers, clients := newFakeServers(3)

	m, err := NewManager(clients, WithRetryCount(0), WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()

	for _, s := range servers {
		s.values["resource-a"] = "someone-else"
		s.expires["resource-a"] = time.Now().Add(time.Minute)
	}

	_, err = m.Acquire(ctx, Key("resource-a"), 10*time.Second)
	require.Error(t, err)
	assert.True(t, IsLockError(err))
}

func TestManager_ExtendRenewsExpiration(t *testing.T) {
	t.Parallel()

	_, clients := newFakeServers(3)

	m, err := NewManager(clients, WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()

	lock, err := m.Acquire(ctx, Key("resource-a"), 200*time.Millisecond)
	require.NoError(t, err)

	before := lock.Expiration()

	extended, err := lock.Extend(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Same(t, lock, extended)
	assert.True(t, extended.Expiration().After(before))
}

func TestManager_ExtendFailsOnStaleLock(t *testing.T) {
	t.Parallel()

	_, clients := newFakeServers(3)

	m, err := NewManager(clients, WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()

	lock, err := m.Acquire(ctx, Key("resource-a"), 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = lock.Extend(ctx, 10*time.Second)
	require.Error(t, err)

	var lerr *LockError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, KindMismatch, lerr.Kind)
	assert.Equal(t, 0, lerr.Attempts)
}

func TestManager_ExtendFailsWhenValueMismatchedEverywhere(t *testing.T) {
	t.Parallel()

	servers, clients := newFakeServers(3)

	m, err := NewManager(clients, WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()

	lock, err := m.Acquire(ctx, Key("resource-a"), 10*time.Second)
	require.NoError(t, err)

	for _, s := range servers {
		s.mu.Lock()
		s.values["resource-a"] = "a-different-holder"
		s.mu.Unlock()
	}

	_, err = lock.Extend(ctx, 10*time.Second)
	require.Error(t, err)

	var lerr *LockError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, KindMismatch, lerr.Kind)
	assert.Equal(t, 0, lerr.Attempts)
}

func TestManager_ReleaseDoesNotRetry(t *testing.T) {
	t.Parallel()

	servers, clients := newFakeServers(3)

	m, err := NewManager(clients, WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()

	lock, err := m.Acquire(ctx, Key("resource-a"), 10*time.Second)
	require.NoError(t, err)

	servers[0].setDown(true)
	servers[1].setDown(true)

	err = lock.Unlock(ctx)
	require.Error(t, err)

	var lerr *LockError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 1, lerr.Attempts)
}

func TestManager_ValidReflectsQuorumState(t *testing.T) {
	t.Parallel()

	servers, clients := newFakeServers(3)

	m, err := NewManager(clients, WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()

	lock, err := m.Acquire(ctx, Key("resource-a"), 10*time.Second)
	require.NoError(t, err)

	ok, err := lock.Valid(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	servers[0].setDown(true)
	servers[1].setDown(true)

	ok, err = lock.Valid(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_MultiKeyResourceIsAllOrNothing(t *testing.T) {
	t.Parallel()

	servers, clients := newFakeServers(3)

	m, err := NewManager(clients, WithRetryCount(0), WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()

	for _, s := range servers[1:] {
		s.values["key-b"] = "someone-else"
		s.expires["key-b"] = time.Now().Add(time.Minute)
	}

	_, err = m.Acquire(ctx, Keys("key-a", "key-b"), 10*time.Second)
	require.Error(t, err)

	// the partial grant on servers[1] and servers[2] must have been rolled
	// back, leaving key-a free for a fresh acquisition.
	assert.Eventually(t, func() bool {
		lock, err := m.Acquire(ctx, Key("key-a"), 10*time.Second)
		if err != nil {
			return false
		}

		_ = lock.Unlock(ctx)

		return true
	}, time.Second, 10*time.Millisecond)
}

func TestManager_TryAcquireMakesExactlyOneRound(t *testing.T) {
	t.Parallel()

	servers, clients := newFakeServers(3)

	m, err := NewManager(clients, WithRetryCount(5), WithRetryJitter(0))
	require.NoError(t, err)

	ctx := context.Background()

	for _, s := range servers[:2] {
		s.values["resource-a"] = "someone-else"
		s.expires["resource-a"] = time.Now().Add(time.Minute)
	}

	_, err = m.TryAcquire(ctx, Key("resource-a"), 10*time.Second)
	require.Error(t, err)

	var lerr *LockError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 1, lerr.Attempts)
}

func TestManager_ClientErrorHandlerInvoked(t *testing.T) {
	t.Parallel()

	servers, clients := newFakeServers(3)
	servers[0].setDown(true)

	var (
		mu   sync.Mutex
		errs int
	)

	m, err := NewManager(clients, WithRetryCount(0), WithRetryJitter(0), WithClientErrorHandler(func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	}))
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), Key("resource-a"), 10*time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, errs)
}

func TestManager_Quit(t *testing.T) {
	t.Parallel()

	_, clients := newFakeServers(3)

	m, err := NewManager(clients)
	require.NoError(t, err)

	errs := m.Quit(context.Background())
	require.Len(t, errs, 3)

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestManager_ScriptTransformAppliedOnce(t *testing.T) {
	t.Parallel()

	_, clients := newFakeServers(1)

	var calls int

	m, err := NewManager(clients, WithLockScriptTransform(func(body string) string {
		calls++

		return body
	}))
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, DefaultLockScript, m.cfg.lockScript)
}

func TestManager_LiteralScriptWinsOverTransform(t *testing.T) {
	t.Parallel()

	_, clients := newFakeServers(1)

	m, err := NewManager(clients,
		WithLockScript("-- custom --"),
		WithLockScriptTransform(func(body string) string { return body + "\n-- transformed --" }),
	)
	require.NoError(t, err)

	assert.Equal(t, "-- custom --", m.cfg.lockScript)
}
