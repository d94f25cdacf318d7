package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/juju/clock/testclock"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type factory func(t *testing.T, clk *testclock.Clock) Registry

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(_ *testing.T, clk *testclock.Clock) Registry {
			return NewMemory(clk)
		},
		"redis": func(t *testing.T, clk *testclock.Clock) Registry {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedis(client, "test", clk)
		},
	}
}

// Every backend must pass the same behavioural suite.
func TestRegistryBackends(t *testing.T) {
	for name, newRegistry := range backends() {
		t.Run(name, func(t *testing.T) {
			run := func(sub string, fn func(t *testing.T, r Registry, clk *testclock.Clock)) {
				t.Run(sub, func(t *testing.T) {
					clk := testclock.NewClock(epoch)
					fn(t, newRegistry(t, clk), clk)
				})
			}
			run("add and get", testAddAndGet)
			run("duplicate live connection", testDuplicate)
			run("expired leftover is replaced", testExpiredReplaced)
			run("subscriptions are a replaced set", testSubscriptions)
			run("update unknown connection", testUpdateUnknown)
			run("remove is idempotent", testRemove)
			run("find returns expired connections", testFindIncludesExpired)
			run("refresh", testRefresh)
			run("sweep", testSweep)
			run("concurrent updates", testConcurrentUpdates)
		})
	}
}

func testAddAndGet(t *testing.T, r Registry, _ *testclock.Clock) {
	ctx := context.Background()
	require.NoError(t, r.AddConnection(ctx, "c1", epoch.Add(time.Minute)))

	c, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Empty(t, c.Subscriptions)
	assert.True(t, c.ExpiresAt.Equal(epoch.Add(time.Minute)))

	_, err = r.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDuplicate(t *testing.T, r Registry, _ *testclock.Clock) {
	ctx := context.Background()
	require.NoError(t, r.AddConnection(ctx, "c1", epoch.Add(time.Minute)))
	assert.ErrorIs(t, r.AddConnection(ctx, "c1", epoch.Add(time.Hour)), ErrAlreadyExists)
}

func testExpiredReplaced(t *testing.T, r Registry, clk *testclock.Clock) {
	ctx := context.Background()
	require.NoError(t, r.AddConnection(ctx, "c1", epoch.Add(time.Minute)))
	require.NoError(t, r.UpdateSubscriptions(ctx, "c1", []string{"odds"}))

	clk.Advance(2 * time.Minute)
	require.NoError(t, r.AddConnection(ctx, "c1", clk.Now().Add(time.Minute)))

	c, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, c.Subscriptions, "the replacement starts without subscriptions")
	ids, err := r.FindBySubscription(ctx, "odds")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testSubscriptions(t *testing.T, r Registry, _ *testclock.Clock) {
	ctx := context.Background()
	require.NoError(t, r.AddConnection(ctx, "c1", epoch.Add(time.Minute)))
	require.NoError(t, r.AddConnection(ctx, "c2", epoch.Add(time.Minute)))

	require.NoError(t, r.UpdateSubscriptions(ctx, "c1", []string{"odds:nfl", "live_scores", "odds:nfl", " "}))
	require.NoError(t, r.UpdateSubscriptions(ctx, "c2", []string{"live_scores"}))

	c, err := r.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"live_scores", "odds:nfl"}, c.Subscriptions)
	assert.True(t, c.Subscribed("odds:nfl"))
	assert.False(t, c.Subscribed("odds"))

	ids, err := r.FindBySubscription(ctx, "live_scores")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	// full replace, not merge
	require.NoError(t, r.UpdateSubscriptions(ctx, "c1", []string{"race_results"}))
	ids, err = r.FindBySubscription(ctx, "live_scores")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, ids)
	ids, err = r.FindBySubscription(ctx, "odds:nfl")
	require.NoError(t, err)
	assert.Empty(t, ids)

	// empty set receives nothing
	require.NoError(t, r.UpdateSubscriptions(ctx, "c1", nil))
	ids, err = r.FindBySubscription(ctx, "race_results")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testUpdateUnknown(t *testing.T, r Registry, _ *testclock.Clock) {
	err := r.UpdateSubscriptions(context.Background(), "ghost", []string{"odds"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testRemove(t *testing.T, r Registry, _ *testclock.Clock) {
	ctx := context.Background()
	require.NoError(t, r.AddConnection(ctx, "c1", epoch.Add(time.Minute)))
	require.NoError(t, r.UpdateSubscriptions(ctx, "c1", []string{"odds"}))

	require.NoError(t, r.RemoveConnection(ctx, "c1"))
	require.NoError(t, r.RemoveConnection(ctx, "c1"))
	require.NoError(t, r.RemoveConnection(ctx, "never-existed"))

	ids, err := r.FindBySubscription(ctx, "odds")
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = r.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.AddConnection(ctx, "c1", epoch.Add(time.Minute)), "id can be reused after removal")
}

func testFindIncludesExpired(t *testing.T, r Registry, clk *testclock.Clock) {
	ctx := context.Background()
	require.NoError(t, r.AddConnection(ctx, "c1", epoch.Add(time.Minute)))
	require.NoError(t, r.UpdateSubscriptions(ctx, "c1", []string{"odds"}))

	clk.Advance(time.Hour)
	ids, err := r.FindBySubscription(ctx, "odds")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)
}

func testRefresh(t *testing.T, r Registry, clk *testclock.Clock) {
	ctx := context.Background()
	require.NoError(t, r.AddConnection(ctx, "c1", epoch.Add(time.Minute)))

	clk.Advance(30 * time.Second)
	require.NoError(t, r.Refresh(ctx, "c1", clk.Now().Add(time.Minute)))
	clk.Advance(45 * time.Second)

	assert.ErrorIs(t, r.AddConnection(ctx, "c1", clk.Now().Add(time.Minute)), ErrAlreadyExists,
		"refreshed connection is still live")
	assert.ErrorIs(t, r.Refresh(ctx, "ghost", clk.Now()), ErrNotFound)
}

func testSweep(t *testing.T, r Registry, clk *testclock.Clock) {
	ctx := context.Background()
	require.NoError(t, r.AddConnection(ctx, "stale", epoch.Add(time.Minute)))
	require.NoError(t, r.UpdateSubscriptions(ctx, "stale", []string{"odds"}))
	require.NoError(t, r.AddConnection(ctx, "recent", epoch.Add(9*time.Minute)))
	require.NoError(t, r.AddConnection(ctx, "live", epoch.Add(time.Hour)))

	clk.Advance(10 * time.Minute)
	n, err := r.Sweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(ctx, "recent")
	assert.NoError(t, err, "expired within grace is kept")
	_, err = r.Get(ctx, "live")
	assert.NoError(t, err)
	ids, err := r.FindBySubscription(ctx, "odds")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testConcurrentUpdates(t *testing.T, r Registry, _ *testclock.Clock) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%02d", i)
			assert.NoError(t, r.AddConnection(ctx, id, epoch.Add(time.Hour)))
			assert.NoError(t, r.UpdateSubscriptions(ctx, id, []string{"live_scores", fmt.Sprintf("t%d", i%2)}))
		}()
	}
	wg.Wait()

	ids, err := r.FindBySubscription(ctx, "live_scores")
	require.NoError(t, err)
	assert.Len(t, ids, n)
	evens, err := r.FindBySubscription(ctx, "t0")
	require.NoError(t, err)
	assert.Len(t, evens, n/2)
}

func TestRedisStorageFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	r := NewRedis(client, "test", testclock.NewClock(epoch))

	mr.Close()
	err := r.AddConnection(context.Background(), "c1", epoch.Add(time.Minute))
	assert.ErrorIs(t, err, ErrStorage)
	_, err = r.FindBySubscription(context.Background(), "odds")
	assert.ErrorIs(t, err, ErrStorage)
}

func TestNormalizeTopics(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, NormalizeTopics([]string{"b", " a", "b", ""}))
	assert.Empty(t, NormalizeTopics(nil))
}
