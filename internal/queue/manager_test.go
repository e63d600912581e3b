package queue

import (
	"context"
	"testing"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), mr
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	env := envelope.New("https://example.com/page", "site1")
	require.NoError(t, m.Enqueue(ctx, "url", env))

	n, err := m.GetQueueLength(ctx, "url")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := m.Dequeue(ctx, "url", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, env.TaskID, got.TaskID)

	metrics, err := m.GetQueueMetrics(ctx, "url")
	require.NoError(t, err)
	require.Equal(t, int64(0), metrics.Pending)
	require.Equal(t, int64(1), metrics.Processing)
}

func TestDequeueTimesOutOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	got, err := m.Dequeue(ctx, "url", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCompleteTaskMovesToCompletedSet(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	env := envelope.New("https://example.com/page", "site1")
	require.NoError(t, m.Enqueue(ctx, "url", env))
	got, err := m.Dequeue(ctx, "url", time.Second)
	require.NoError(t, err)

	require.NoError(t, m.CompleteTask(ctx, "url", got, 10*time.Millisecond))

	metrics, err := m.GetQueueMetrics(ctx, "url")
	require.NoError(t, err)
	require.Equal(t, int64(1), metrics.Completed)
	require.Equal(t, int64(0), metrics.Processing)
	require.Greater(t, metrics.AvgProcessingTime, 0.0)

	status, err := m.GetTaskStatus(ctx, env.TaskID)
	require.NoError(t, err)
	require.Equal(t, string(StatusCompleted), status["status"])
}

// TestCompleteTaskRemovesMutatedEnvelopeFromProcessing drives the realistic
// handler round trip — dequeue, then mutate the envelope in place the way
// every real handler does (Advance bumps version/updated_time, stage code
// adds fields) — before completing it. CompleteTask must still locate and
// remove the original processing entry by task identity, not by
// re-marshaling the now-divergent envelope.
func TestCompleteTaskRemovesMutatedEnvelopeFromProcessing(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	env := envelope.New("https://example.com/page", "site1")
	require.NoError(t, m.Enqueue(ctx, "crawl", env))
	got, err := m.Dequeue(ctx, "crawl", time.Second)
	require.NoError(t, err)

	got.Advance("crawl")
	got.ContentHash = "deadbeef"
	got.RawContent = "mutated payload that no longer matches the dequeued bytes"

	require.NoError(t, m.CompleteTask(ctx, "crawl", got, 5*time.Millisecond))

	metrics, err := m.GetQueueMetrics(ctx, "crawl")
	require.NoError(t, err)
	require.Equal(t, int64(0), metrics.Processing, "mutated envelope must not leak a processing entry")
	require.Equal(t, int64(1), metrics.Completed)

	remaining, err := m.ProcessingEnvelopes(ctx, "crawl")
	require.NoError(t, err)
	require.Empty(t, remaining)
}

// TestFailTaskRemovesMutatedEnvelopeFromProcessing covers the same
// dequeue-then-mutate round trip on the failure path.
func TestFailTaskRemovesMutatedEnvelopeFromProcessing(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	env := envelope.New("https://example.com/page", "site1")
	require.NoError(t, m.Enqueue(ctx, "crawl", env))
	got, err := m.Dequeue(ctx, "crawl", time.Second)
	require.NoError(t, err)

	got.Advance("crawl")
	got.ContentHash = "deadbeef"

	require.NoError(t, m.FailTask(ctx, "crawl", got, false, "permanent error"))

	metrics, err := m.GetQueueMetrics(ctx, "crawl")
	require.NoError(t, err)
	require.Equal(t, int64(0), metrics.Processing, "mutated envelope must not leak a processing entry")
	require.Equal(t, int64(1), metrics.Failed)

	remaining, err := m.ProcessingEnvelopes(ctx, "crawl")
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestFailTaskRetriesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	env := envelope.New("https://example.com/page", "site1")
	require.NoError(t, m.Enqueue(ctx, "url", env))
	got, err := m.Dequeue(ctx, "url", time.Second)
	require.NoError(t, err)

	require.NoError(t, m.FailTask(ctx, "url", got, true, "timeout"))
	n, err := m.GetQueueLength(ctx, "url")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got2, err := m.Dequeue(ctx, "url", time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, got2.Retries)

	require.NoError(t, m.FailTask(ctx, "url", got2, false, "permanent error"))
	metrics, err := m.GetQueueMetrics(ctx, "url")
	require.NoError(t, err)
	require.Equal(t, int64(1), metrics.Failed)
}

func TestClearQueueOnlyClearsPending(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	env1 := envelope.New("https://example.com/a", "site1")
	env2 := envelope.New("https://example.com/b", "site1")
	require.NoError(t, m.Enqueue(ctx, "url", env1))
	require.NoError(t, m.Enqueue(ctx, "url", env2))

	_, err := m.Dequeue(ctx, "url", time.Second)
	require.NoError(t, err)

	cleared, err := m.ClearQueue(ctx, "url")
	require.NoError(t, err)
	require.Equal(t, int64(1), cleared)

	metrics, err := m.GetQueueMetrics(ctx, "url")
	require.NoError(t, err)
	require.Equal(t, int64(0), metrics.Pending)
	require.Equal(t, int64(1), metrics.Processing)
}
