package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return New(mr.Addr(), 0)
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Value string `json:"value"`
	}
	require.NoError(t, c.Set(ctx, "k1", payload{Value: "hello"}, time.Minute))

	var out payload
	require.NoError(t, c.Get(ctx, "k1", &out))
	require.Equal(t, "hello", out.Value)
}

func TestExistsAndDel(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k2", "v", time.Minute))
	ok, err := c.Exists(ctx, "k2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Del(ctx, "k2"))
	ok, err = c.Exists(ctx, "k2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetManyAndGetMany(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetMany(ctx, map[string]any{
		"a": "1",
		"b": "2",
	}, time.Minute))

	got, err := c.GetMany(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestClearPrefix(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "price:BTCUSDT", "1", time.Minute))
	require.NoError(t, c.Set(ctx, "price:ETHUSDT", "1", time.Minute))
	require.NoError(t, c.Set(ctx, "ticker-24h:BTCUSDT", "1", time.Minute))

	require.NoError(t, c.ClearPrefix(ctx, "price:"))

	ok, _ := c.Exists(ctx, "price:BTCUSDT")
	require.False(t, ok)
	ok, _ = c.Exists(ctx, "ticker-24h:BTCUSDT")
	require.True(t, ok)
}

func TestListPushPopAndTrim(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.ListPush(ctx, "candles:BTCUSDT:1m", i))
	}
	n, err := c.ListLen(ctx, "candles:BTCUSDT:1m")
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	require.NoError(t, c.ListTrim(ctx, "candles:BTCUSDT:1m", -3, -1))
	n, err = c.ListLen(ctx, "candles:BTCUSDT:1m")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestSortedSetScheduledJobs(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SortedSetAdd(ctx, "jobs:scheduled", 100, "job-a"))
	require.NoError(t, c.SortedSetAdd(ctx, "jobs:scheduled", 200, "job-b"))

	due, err := c.SortedSetRangeByScore(ctx, "jobs:scheduled", 0, 150)
	require.NoError(t, err)
	require.Equal(t, []string{"job-a"}, due)

	require.NoError(t, c.SortedSetRemove(ctx, "jobs:scheduled", "job-a"))
	due, err = c.SortedSetRangeByScore(ctx, "jobs:scheduled", 0, 1000)
	require.NoError(t, err)
	require.Equal(t, []string{"job-b"}, due)
}

func TestSetAddRemoveMembers(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetAdd(ctx, "processing", "job-1", "job-2"))
	members, err := c.SetMembers(ctx, "processing")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"job-1", "job-2"}, members)

	require.NoError(t, c.SetRemove(ctx, "processing", "job-1"))
	members, err = c.SetMembers(ctx, "processing")
	require.NoError(t, err)
	require.Equal(t, []string{"job-2"}, members)
}
