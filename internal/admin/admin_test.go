package admin

import (
	"context"
	"testing"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testCfg() *config.Config {
	return &config.Config{
		Pipeline: config.Pipeline{URLQueue: "url", CrawlQueue: "crawl", CleanQueue: "clean", IndexQueue: "index"},
	}
}

func newTestQueueManager(t *testing.T) *queue.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.New(rdb)
}

func TestStatsReportsEveryQueue(t *testing.T) {
	qm := newTestQueueManager(t)
	cfg := testCfg()
	ctx := context.Background()
	require.NoError(t, qm.Enqueue(ctx, "url", envelope.New("https://example.com", "site1")))

	res, err := Stats(ctx, cfg, qm)
	require.NoError(t, err)
	require.Len(t, res.Queues, 4)
	require.Equal(t, int64(1), res.Queues["url"].Pending)
}

func TestPeekReturnsPendingItems(t *testing.T) {
	qm := newTestQueueManager(t)
	cfg := testCfg()
	ctx := context.Background()
	require.NoError(t, qm.Enqueue(ctx, "url", envelope.New("https://example.com/a", "site1")))

	res, err := Peek(ctx, cfg, qm, "url", 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
}

func TestResolveQueueRejectsUnknownAlias(t *testing.T) {
	_, err := resolveQueue(testCfg(), "bogus")
	require.Error(t, err)
}

func TestPurgeAllClearsPendingAndFailed(t *testing.T) {
	qm := newTestQueueManager(t)
	cfg := testCfg()
	ctx := context.Background()

	env := envelope.New("https://example.com", "site1")
	require.NoError(t, qm.Enqueue(ctx, "url", env))

	n, err := PurgeAll(ctx, cfg, qm)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	length, err := qm.GetQueueLength(ctx, "url")
	require.NoError(t, err)
	require.Equal(t, int64(0), length)
}

func TestFailedListHydratesMetadata(t *testing.T) {
	qm := newTestQueueManager(t)
	cfg := testCfg()
	ctx := context.Background()

	env := envelope.New("https://example.com", "site1")
	require.NoError(t, qm.Enqueue(ctx, "url", env))
	_, err := qm.Dequeue(ctx, "url", time.Second)
	require.NoError(t, err)
	require.NoError(t, qm.FailTask(ctx, "url", env, false, "boom"))

	items, err := FailedList(ctx, cfg, qm, "url")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "boom", items[0].Reason)
}
