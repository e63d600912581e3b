// Copyright 2025 James Ross
package admin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
)

// StatsResult reports queue-level depth across the pipeline's four queues.
type StatsResult struct {
	Queues map[string]queue.Metrics `json:"queues"`
}

// Stats gathers Queue Manager metrics for every configured pipeline queue.
func Stats(ctx context.Context, cfg *config.Config, qm *queue.Manager) (StatsResult, error) {
	res := StatsResult{Queues: map[string]queue.Metrics{}}
	for _, q := range pipelineQueues(cfg) {
		m, err := qm.GetQueueMetrics(ctx, q)
		if err != nil {
			return res, err
		}
		res.Queues[q] = *m
	}
	return res, nil
}

// PeekResult is a page of pending payloads from one queue, for inspection
// without consuming them.
type PeekResult struct {
	Queue string   `json:"queue"`
	Items []string `json:"items"`
}

// Peek returns up to n pending items from the named queue.
func Peek(ctx context.Context, cfg *config.Config, qm *queue.Manager, queueAlias string, n int64) (PeekResult, error) {
	q, err := resolveQueue(cfg, queueAlias)
	if err != nil {
		return PeekResult{}, err
	}
	if n <= 0 {
		n = 10
	}
	items, err := qm.PeekPending(ctx, q, n)
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: q, Items: items}, nil
}

// PurgeFailed clears a queue's failed set and returns how many task IDs it
// held; the task metadata hashes are left in place.
func PurgeFailed(ctx context.Context, cfg *config.Config, qm *queue.Manager, queueAlias string) (int, error) {
	q, err := resolveQueue(cfg, queueAlias)
	if err != nil {
		return 0, err
	}
	ids, err := qm.FailedTaskIDs(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := qm.ClearFailed(ctx, q); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func pipelineQueues(cfg *config.Config) []string {
	return []string{cfg.Pipeline.URLQueue, cfg.Pipeline.CrawlQueue, cfg.Pipeline.CleanQueue, cfg.Pipeline.IndexQueue}
}

func resolveQueue(cfg *config.Config, alias string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(alias))
	for _, q := range pipelineQueues(cfg) {
		if strings.ToLower(q) == a {
			return q, nil
		}
	}
	known := pipelineQueues(cfg)
	sort.Strings(known)
	return "", fmt.Errorf("unknown queue alias %q; known queues: %s", alias, strings.Join(known, ", "))
}

// BenchResult summarizes a synthetic-load run against one queue.
type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_tasks_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// Bench enqueues count synthetic tasks onto a queue at the given rate and
// waits, up to timeout, for them to reach the completed set, then reports
// throughput and latency percentiles computed from each task's creation
// time versus its observed completion.
func Bench(ctx context.Context, cfg *config.Config, qm *queue.Manager, queueAlias string, count, ratePerSec int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if ratePerSec <= 0 {
		ratePerSec = 100
	}
	q, err := resolveQueue(cfg, queueAlias)
	if err != nil {
		return res, err
	}

	ticker := time.NewTicker(time.Second / time.Duration(ratePerSec))
	defer ticker.Stop()

	taskIDs := make([]string, 0, count)
	creationTimes := make(map[string]time.Time, count)
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		env := envelope.New(fmt.Sprintf("bench://%s/%d", q, i), "bench")
		if err := qm.Enqueue(ctx, q, env); err != nil {
			return res, err
		}
		taskIDs = append(taskIDs, env.TaskID)
		creationTimes[env.TaskID] = env.CreationTime
	}

	doneBy := time.Now().Add(timeout)
	completed := map[string]time.Time{}
	for time.Now().Before(doneBy) && len(completed) < count {
		for _, id := range taskIDs {
			if _, done := completed[id]; done {
				continue
			}
			meta, err := qm.GetTaskStatus(ctx, id)
			if err == nil && meta["status"] == string(queue.StatusCompleted) {
				completed[id] = time.Now()
			}
		}
		if len(completed) < count {
			time.Sleep(50 * time.Millisecond)
		}
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(len(completed)) / res.Duration.Seconds()
	}

	lats := make([]float64, 0, len(completed))
	for id, doneAt := range completed {
		if ct, ok := creationTimes[id]; ok {
			lats = append(lats, doneAt.Sub(ct).Seconds())
		}
	}
	if len(lats) > 0 {
		sort.Float64s(lats)
		res.P50 = time.Duration(lats[int(math.Round(0.50*float64(len(lats)-1)))] * float64(time.Second))
		res.P95 = time.Duration(lats[int(math.Round(0.95*float64(len(lats)-1)))] * float64(time.Second))
	}
	return res, nil
}

// KeysStats summarizes per-queue pending/processing/completed/failed depth,
// for the admin API's low-level inspection endpoint.
type KeysStats struct {
	QueueLengths map[string]queue.Metrics `json:"queue_lengths"`
}

// StatsKeys is an alias of Stats kept for the admin API's existing route
// naming; it returns the same per-queue breakdown under a different shape.
func StatsKeys(ctx context.Context, cfg *config.Config, qm *queue.Manager) (KeysStats, error) {
	out := KeysStats{QueueLengths: map[string]queue.Metrics{}}
	for _, q := range pipelineQueues(cfg) {
		m, err := qm.GetQueueMetrics(ctx, q)
		if err != nil {
			return out, err
		}
		out.QueueLengths[q] = *m
	}
	return out, nil
}

// PurgeAll clears every queue's pending list and failed set across the
// whole pipeline; in-flight processing items are left untouched, matching
// the Queue Manager's own ClearQueue invariant.
func PurgeAll(ctx context.Context, cfg *config.Config, qm *queue.Manager) (int64, error) {
	var total int64
	for _, q := range pipelineQueues(cfg) {
		n, err := qm.ClearQueue(ctx, q)
		if err != nil {
			return total, err
		}
		total += n
		ids, err := qm.FailedTaskIDs(ctx, q)
		if err != nil {
			return total, err
		}
		if len(ids) > 0 {
			if err := qm.ClearFailed(ctx, q); err != nil {
				return total, err
			}
			total += int64(len(ids))
		}
	}
	return total, nil
}
