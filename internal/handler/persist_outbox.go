package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/BetterAndBetterII/SiteSearch/internal/exactly_once"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
)

// QueueOutboxAdapter satisfies exactly_once.Queue by re-enqueueing an
// outbox event's payload as an envelope, letting the transactional outbox
// publish to the same Redis-backed queues the Supervisor reads from.
type QueueOutboxAdapter struct {
	qm *queue.Manager
}

// NewQueueOutboxAdapter wraps a Queue Manager for use by the outbox processor.
func NewQueueOutboxAdapter(qm *queue.Manager) *QueueOutboxAdapter {
	return &QueueOutboxAdapter{qm: qm}
}

func (a *QueueOutboxAdapter) Enqueue(ctx context.Context, queueName string, payload []byte, idempotencyKey string) error {
	var env envelope.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("unmarshal outbox payload for %s: %w", idempotencyKey, err)
	}
	return a.qm.Enqueue(ctx, queueName, &env)
}

var _ exactly_once.Queue = (*QueueOutboxAdapter)(nil)
