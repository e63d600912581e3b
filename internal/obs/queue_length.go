// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples pending/processing list lengths for the
// four pipeline queues and updates their gauges on a ticker.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	queues := []string{cfg.Pipeline.URLQueue, cfg.Pipeline.CrawlQueue, cfg.Pipeline.CleanQueue, cfg.Pipeline.IndexQueue}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					pendingKey := fmt.Sprintf("sitesearch:queue:%s", q)
					processingKey := fmt.Sprintf("sitesearch:processing:%s", q)

					if n, err := rdb.LLen(ctx, pendingKey).Result(); err != nil {
						log.Debug("queue length poll error", String("queue", q), Err(err))
					} else {
						QueueLength.WithLabelValues(q).Set(float64(n))
					}

					if n, err := rdb.LLen(ctx, processingKey).Result(); err != nil {
						log.Debug("processing length poll error", String("queue", q), Err(err))
					} else {
						QueueProcessingCount.WithLabelValues(q).Set(float64(n))
					}
				}
			}
		}
	}()
}
