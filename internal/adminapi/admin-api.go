// Copyright 2025 James Ross
// Package adminapi provides a secure HTTP API for operating the crawl
// pipeline: queue stats, peek/purge, benchmarking, stage scale/restart, and
// exactly-once inspection. It includes authentication, rate limiting,
// audit logging, and confirmation requirements for destructive operations.
package adminapi

import (
	"context"
	"fmt"

	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/exactly_once"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
	"github.com/BetterAndBetterII/SiteSearch/internal/supervisor"
	"go.uber.org/zap"
)

// Run starts the admin API server and blocks until ctx is cancelled or the
// server errors out.
func Run(ctx context.Context, cfg *Config, appCfg *config.Config, qm *queue.Manager, sup *supervisor.Supervisor, idem exactly_once.IdempotencyManager, outbox *exactly_once.SQLOutboxManager, logger *zap.Logger) error {
	server, err := NewServer(cfg, appCfg, qm, sup, idem, outbox, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down admin API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}
