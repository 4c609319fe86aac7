package redisclient_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/redlockctl/internal/redisclient"
)

func newMiniredisClient(t *testing.T) (*redisclient.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return redisclient.New(rdb), mr
}

func TestClient_EvaluateSetsAndReads(t *testing.T) {
	t.Parallel()

	c, mr := newMiniredisClient(t)
	ctx := context.Background()

	const setScript = `return redis.call("set", KEYS[1], ARGV[1])`

	_, err := c.Evaluate(ctx, setScript, []string{"foo"}, []any{"bar"})
	require.NoError(t, err)

	got, err := mr.Get("foo")
	require.NoError(t, err)
	require.Equal(t, "bar", got)
}

func TestClient_EvaluateReusesCompiledScript(t *testing.T) {
	t.Parallel()

	c, _ := newMiniredisClient(t)
	ctx := context.Background()

	const countScript = `return #KEYS`

	for range 3 {
		n, err := c.Evaluate(ctx, countScript, []string{"a", "b"}, nil)
		require.NoError(t, err)
		require.EqualValues(t, 2, n)
	}
}

func TestClient_Quit(t *testing.T) {
	t.Parallel()

	c, _ := newMiniredisClient(t)

	require.NoError(t, c.Quit(context.Background()))
}
