// Copyright 2025 James Ross
package admin

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
)

// ErrNotImplemented indicates a contract that has not yet been implemented.
var ErrNotImplemented = errors.New("not implemented")

// FailedItem represents one dead-lettered task, suitable for TUI listing
// and requeue/purge actions.
type FailedItem struct {
	TaskID   string    `json:"task_id"`
	Queue    string    `json:"queue"`
	URL      string    `json:"url,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Retries  int       `json:"retries,omitempty"`
	FailedAt time.Time `json:"failed_at,omitempty"`
}

// FailedService defines the contract for listing and acting on a queue's
// failed task set.
type FailedService interface {
	FailedList(ctx context.Context, cfg *config.Config, qm *queue.Manager, queueAlias string) ([]FailedItem, error)
	FailedRequeue(ctx context.Context, cfg *config.Config, qm *queue.Manager, queueAlias string, taskIDs []string) (int, error)
	FailedPurge(ctx context.Context, cfg *config.Config, qm *queue.Manager, queueAlias string, taskIDs []string) (int, error)
}

// FailedList reads every task ID in a queue's failed set and hydrates its
// metadata hash for display.
func FailedList(ctx context.Context, cfg *config.Config, qm *queue.Manager, queueAlias string) ([]FailedItem, error) {
	q, err := resolveQueue(cfg, queueAlias)
	if err != nil {
		return nil, err
	}
	ids, err := qm.FailedTaskIDs(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]FailedItem, 0, len(ids))
	for _, id := range ids {
		meta, err := qm.GetTaskStatus(ctx, id)
		if err != nil {
			out = append(out, FailedItem{TaskID: id, Queue: q})
			continue
		}
		item := FailedItem{TaskID: id, Queue: q, URL: meta["url"], Reason: meta["last_error"]}
		if v, ok := meta["retries"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				item.Retries = n
			}
		}
		if v, ok := meta["failed_at"]; ok {
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				item.FailedAt = t
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// FailedRequeue is not offered as a direct Queue Manager operation: a failed
// task's only path back to pending is through FailTask's own retry branch,
// which requires the original envelope, not just its ID. Operators should
// re-seed the source URL via the Supervisor instead of editing the failed
// set directly.
func FailedRequeue(ctx context.Context, cfg *config.Config, qm *queue.Manager, queueAlias string, taskIDs []string) (int, error) {
	return 0, ErrNotImplemented
}

// FailedPurge removes a queue's entire failed set. Per-ID selective purge
// is not supported since the failed set is a Redis set keyed by task ID,
// not an indexable list.
func FailedPurge(ctx context.Context, cfg *config.Config, qm *queue.Manager, queueAlias string, taskIDs []string) (int, error) {
	n, err := PurgeFailed(ctx, cfg, qm, queueAlias)
	return n, err
}
