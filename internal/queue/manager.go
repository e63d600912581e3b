// Package queue implements the Queue Manager: atomic enqueue/dequeue and
// task-lifecycle bookkeeping over Redis lists, sets, and hashes.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sitesearch"

func pendingKey(queueName string) string    { return fmt.Sprintf("%s:queue:%s", keyPrefix, queueName) }
func processingKey(queueName string) string { return fmt.Sprintf("%s:processing:%s", keyPrefix, queueName) }
func completedKey(queueName string) string  { return fmt.Sprintf("%s:completed:%s", keyPrefix, queueName) }
func failedKey(queueName string) string     { return fmt.Sprintf("%s:failed:%s", keyPrefix, queueName) }
func statsKey(queueName string) string      { return fmt.Sprintf("%s:stats:%s", keyPrefix, queueName) }
func taskMetaKey(taskID string) string      { return fmt.Sprintf("%s:task:meta:%s", keyPrefix, taskID) }

// processingSetKey holds the task IDs currently staged in processingKey's
// list, so completion/failure can locate and remove an entry by task
// identity instead of re-matching mutated payload bytes against the list.
func processingSetKey(queueName string) string {
	return fmt.Sprintf("%s:processing:set:%s", keyPrefix, queueName)
}

// processingPayloadKey holds the exact raw payload BLMove staged for a task,
// so CompleteTask/FailTask can LRem the list by the original bytes even
// after the caller's in-memory envelope has since been mutated.
func processingPayloadKey(queueName, taskID string) string {
	return fmt.Sprintf("%s:processing:payload:%s:%s", keyPrefix, queueName, taskID)
}

// Status is the lifecycle state of a task as recorded in its metadata hash.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Metrics summarizes a single queue's current health.
type Metrics struct {
	QueueName          string    `json:"queue_name"`
	Pending            int64     `json:"pending"`
	Processing         int64     `json:"processing"`
	Completed          int64     `json:"completed"`
	Failed             int64     `json:"failed"`
	AvgProcessingTime  float64   `json:"avg_processing_time_seconds"`
	LastActivityTime   time.Time `json:"last_activity_time"`
}

// Manager implements the Queue Manager component against a single Redis
// client, operating over logical queue names (e.g. "url", "crawl").
type Manager struct {
	rdb *redis.Client
}

// New returns a Queue Manager bound to the given Redis client.
func New(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

// Enqueue validates and appends a task envelope onto a queue's pending list,
// recording its metadata hash. A malformed envelope is rejected outright
// rather than silently accepted as a retryable task.
func (m *Manager) Enqueue(ctx context.Context, queueName string, env *envelope.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := envelope.Validate(payload); err != nil {
		return err
	}

	pipe := m.rdb.TxPipeline()
	pipe.LPush(ctx, pendingKey(queueName), payload)
	pipe.HSet(ctx, taskMetaKey(env.TaskID), map[string]any{
		"status":        string(StatusPending),
		"queue":         queueName,
		"url":           env.URL,
		"retries":       env.Retries,
		"enqueued_at":   time.Now().UTC().Format(time.RFC3339Nano),
		"content_hash":  env.ContentHash,
	})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return nil
}

// Dequeue atomically moves one task from a queue's pending list to its
// processing list, blocking up to timeout for an item to arrive, then
// additionally records the task in the processing set and a per-task
// payload key so CompleteTask/FailTask can later locate and remove the
// exact staged entry without re-matching a (possibly since-mutated)
// envelope against the list. It returns redis.Nil-wrapping behavior as a
// nil envelope when nothing was available.
func (m *Manager) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*envelope.Envelope, error) {
	payload, err := m.rdb.BLMove(ctx, pendingKey(queueName), processingKey(queueName), "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queueName, err)
	}

	env, err := envelope.Unmarshal(payload)
	if err != nil {
		// Poison payload: remove it from processing so it cannot loop forever.
		m.rdb.LRem(ctx, processingKey(queueName), 1, payload)
		return nil, fmt.Errorf("corrupt payload dequeued from %s: %w", queueName, err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.SAdd(ctx, processingSetKey(queueName), env.TaskID)
	pipe.Set(ctx, processingPayloadKey(queueName, env.TaskID), payload, 0)
	pipe.HSet(ctx, taskMetaKey(env.TaskID), map[string]any{
		"status":     string(StatusProcessing),
		"started_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("stage processing %s: %w", queueName, err)
	}
	return env, nil
}

// processingPayload fetches the exact raw payload Dequeue staged for a task,
// as tracked by processingPayloadKey, so the list entry can be removed by
// its original bytes regardless of how the caller has since mutated env.
func (m *Manager) processingPayload(ctx context.Context, queueName, taskID string) (string, error) {
	payload, err := m.rdb.Get(ctx, processingPayloadKey(queueName, taskID)).Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("lookup processing payload %s: %w", taskID, err)
	}
	return payload, nil
}

// CompleteTask removes a task from its processing list and set and records
// it in the completed set, updating the queue's rolling average processing
// time.
func (m *Manager) CompleteTask(ctx context.Context, queueName string, env *envelope.Envelope, processingDuration time.Duration) error {
	payload, err := m.processingPayload(ctx, queueName, env.TaskID)
	if err != nil {
		return err
	}

	pipe := m.rdb.TxPipeline()
	if payload != "" {
		pipe.LRem(ctx, processingKey(queueName), 1, payload)
	}
	pipe.SRem(ctx, processingSetKey(queueName), env.TaskID)
	pipe.Del(ctx, processingPayloadKey(queueName, env.TaskID))
	pipe.SAdd(ctx, completedKey(queueName), env.TaskID)
	pipe.HSet(ctx, taskMetaKey(env.TaskID), map[string]any{
		"status":       string(StatusCompleted),
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete task %s: %w", env.TaskID, err)
	}
	m.recordActivity(ctx, queueName, processingDuration)
	return nil
}

// FailTask removes a task from processing. If retry is true the
// task is re-enqueued onto pending with its retry count incremented;
// otherwise it is moved to the failed set for manual inspection.
func (m *Manager) FailTask(ctx context.Context, queueName string, env *envelope.Envelope, retry bool, reason string) error {
	payload, err := m.processingPayload(ctx, queueName, env.TaskID)
	if err != nil {
		return err
	}

	pipe := m.rdb.TxPipeline()
	if payload != "" {
		pipe.LRem(ctx, processingKey(queueName), 1, payload)
	}
	pipe.SRem(ctx, processingSetKey(queueName), env.TaskID)
	pipe.Del(ctx, processingPayloadKey(queueName, env.TaskID))

	if retry {
		env.Retries++
		newPayload, merr := env.Marshal()
		if merr != nil {
			return fmt.Errorf("marshal retried envelope: %w", merr)
		}
		pipe.LPush(ctx, pendingKey(queueName), newPayload)
		pipe.HSet(ctx, taskMetaKey(env.TaskID), map[string]any{
			"status":       string(StatusPending),
			"retries":      env.Retries,
			"last_error":   reason,
			"requeued_at":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	} else {
		pipe.SAdd(ctx, failedKey(queueName), env.TaskID)
		pipe.HSet(ctx, taskMetaKey(env.TaskID), map[string]any{
			"status":     string(StatusFailed),
			"last_error": reason,
			"failed_at":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail task %s: %w", env.TaskID, err)
	}
	return nil
}

// GetTaskStatus reads a task's metadata hash.
func (m *Manager) GetTaskStatus(ctx context.Context, taskID string) (map[string]string, error) {
	res, err := m.rdb.HGetAll(ctx, taskMetaKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task status %s: %w", taskID, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return res, nil
}

// GetQueueLength returns the number of tasks still pending on a queue.
func (m *Manager) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	n, err := m.rdb.LLen(ctx, pendingKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length %s: %w", queueName, err)
	}
	return n, nil
}

// GetQueueMetrics aggregates pending/processing/completed/failed counts and
// the EMA-smoothed average processing time for a queue.
func (m *Manager) GetQueueMetrics(ctx context.Context, queueName string) (*Metrics, error) {
	pipe := m.rdb.Pipeline()
	pendingCmd := pipe.LLen(ctx, pendingKey(queueName))
	processingCmd := pipe.SCard(ctx, processingSetKey(queueName))
	completedCmd := pipe.SCard(ctx, completedKey(queueName))
	failedCmd := pipe.SCard(ctx, failedKey(queueName))
	statsCmd := pipe.HGetAll(ctx, statsKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue metrics %s: %w", queueName, err)
	}

	stats := statsCmd.Val()
	var avg float64
	var lastActivity time.Time
	if v, ok := stats["avg_processing_time_seconds"]; ok {
		fmt.Sscanf(v, "%f", &avg)
	}
	if v, ok := stats["last_activity_time"]; ok {
		lastActivity, _ = time.Parse(time.RFC3339Nano, v)
	}

	return &Metrics{
		QueueName:         queueName,
		Pending:           pendingCmd.Val(),
		Processing:        processingCmd.Val(),
		Completed:         completedCmd.Val(),
		Failed:            failedCmd.Val(),
		AvgProcessingTime: avg,
		LastActivityTime:  lastActivity,
	}, nil
}

// ClearQueue empties a queue's pending list only; in-flight processing
// items are left untouched so no task disappears mid-handling.
func (m *Manager) ClearQueue(ctx context.Context, queueName string) (int64, error) {
	n, err := m.rdb.LLen(ctx, pendingKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("clear queue length %s: %w", queueName, err)
	}
	if err := m.rdb.Del(ctx, pendingKey(queueName)).Err(); err != nil {
		return 0, fmt.Errorf("clear queue %s: %w", queueName, err)
	}
	return n, nil
}

// ClearFailed empties a queue's failed set, used after an operator has
// reviewed and discarded its dead-lettered tasks.
func (m *Manager) ClearFailed(ctx context.Context, queueName string) error {
	if err := m.rdb.Del(ctx, failedKey(queueName)).Err(); err != nil {
		return fmt.Errorf("clear failed %s: %w", queueName, err)
	}
	return nil
}

// recordActivity folds a new processing-time sample into the queue's
// exponential moving average and bumps its last-activity timestamp.
func (m *Manager) recordActivity(ctx context.Context, queueName string, d time.Duration) {
	const alpha = 0.2
	sec := d.Seconds()

	prev, err := m.rdb.HGet(ctx, statsKey(queueName), "avg_processing_time_seconds").Float64()
	if err != nil {
		prev = sec
	}
	newAvg := alpha*sec + (1-alpha)*prev

	m.rdb.HSet(ctx, statsKey(queueName), map[string]any{
		"avg_processing_time_seconds": newAvg,
		"last_activity_time":          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ProcessingEnvelopes lists tasks currently staged in a queue's processing
// set by decoding each one's tracked payload; used by the Queue Monitor's
// stall sweep.
func (m *Manager) ProcessingEnvelopes(ctx context.Context, queueName string) ([]*envelope.Envelope, error) {
	taskIDs, err := m.rdb.SMembers(ctx, processingSetKey(queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("list processing %s: %w", queueName, err)
	}
	envs := make([]*envelope.Envelope, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		payload, err := m.rdb.Get(ctx, processingPayloadKey(queueName, taskID)).Result()
		if err != nil {
			continue
		}
		env, err := envelope.Unmarshal(payload)
		if err != nil {
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// PeekPending returns up to n payloads from the front of a queue's pending
// list without removing them, for the admin read surface.
func (m *Manager) PeekPending(ctx context.Context, queueName string, n int64) ([]string, error) {
	items, err := m.rdb.LRange(ctx, pendingKey(queueName), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", queueName, err)
	}
	return items, nil
}

// FailedTaskIDs lists task IDs currently in a queue's failed set.
func (m *Manager) FailedTaskIDs(ctx context.Context, queueName string) ([]string, error) {
	ids, err := m.rdb.SMembers(ctx, failedKey(queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed ids %s: %w", queueName, err)
	}
	return ids, nil
}
