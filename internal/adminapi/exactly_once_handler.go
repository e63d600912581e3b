// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/exactly_once"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ExactlyOnceHandler exposes read/operate access to the pipeline's
// exactly-once machinery: the URL-seeding idempotency reservation the
// Supervisor consults, and the persist stage's transactional outbox, both
// from internal/exactly_once.
type ExactlyOnceHandler struct {
	idem   exactly_once.IdempotencyManager
	outbox *exactly_once.SQLOutboxManager
	logger *zap.Logger
}

// NewExactlyOnceHandler builds the handler. Either dependency may be nil,
// in which case its routes report themselves as disabled rather than error.
func NewExactlyOnceHandler(idem exactly_once.IdempotencyManager, outbox *exactly_once.SQLOutboxManager, logger *zap.Logger) *ExactlyOnceHandler {
	return &ExactlyOnceHandler{idem: idem, outbox: outbox, logger: logger}
}

// RegisterRoutes attaches the exactly-once inspection endpoints under the
// given router (typically the /api/v1 subrouter).
func (h *ExactlyOnceHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/exactly-once/dedup/stats", h.GetDedupStats).Methods(http.MethodGet)
	r.HandleFunc("/exactly-once/outbox/status", h.GetOutboxStatus).Methods(http.MethodGet)
	r.HandleFunc("/exactly-once/outbox/process", h.ProcessOutboxNow).Methods(http.MethodPost)
	r.HandleFunc("/exactly-once/health", h.HealthCheck).Methods(http.MethodGet)
}

// GetDedupStats handles GET /api/v1/exactly-once/dedup/stats
func (h *ExactlyOnceHandler) GetDedupStats(w http.ResponseWriter, r *http.Request) {
	if h.idem == nil {
		writeError(w, http.StatusNotFound, "IDEMPOTENCY_DISABLED", "no idempotency manager is configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := h.idem.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to get dedup stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "DEDUP_STATS_ERROR", "failed to retrieve dedup statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetOutboxStatus handles GET /api/v1/exactly-once/outbox/status
func (h *ExactlyOnceHandler) GetOutboxStatus(w http.ResponseWriter, r *http.Request) {
	if h.outbox == nil {
		writeError(w, http.StatusNotFound, "OUTBOX_DISABLED", "no outbox manager is configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status, err := h.outbox.Status(ctx)
	if err != nil {
		h.logger.Error("failed to get outbox status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "OUTBOX_STATUS_ERROR", "failed to retrieve outbox status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ProcessOutboxNow handles POST /api/v1/exactly-once/outbox/process, an
// operator-triggered drain of pending outbox events outside the processor's
// own interval, useful after resuming from a long Redis outage.
func (h *ExactlyOnceHandler) ProcessOutboxNow(w http.ResponseWriter, r *http.Request) {
	if h.outbox == nil {
		writeError(w, http.StatusNotFound, "OUTBOX_DISABLED", "no outbox manager is configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := h.outbox.ProcessPending(ctx); err != nil {
		h.logger.Error("failed to process outbox", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "OUTBOX_PROCESS_ERROR", "failed to process pending outbox events")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "outbox drain triggered"})
}

// HealthCheck handles GET /api/v1/exactly-once/health
func (h *ExactlyOnceHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"idempotency_enabled": h.idem != nil,
		"outbox_enabled":      h.outbox != nil,
	})
}

// exactlyOnceRoutes wires the ExactlyOnceHandler's endpoints into the given
// subrouter. Either dependency may be nil.
func exactlyOnceRoutes(api *mux.Router, idem exactly_once.IdempotencyManager, outbox *exactly_once.SQLOutboxManager, logger *zap.Logger) {
	NewExactlyOnceHandler(idem, outbox, logger).RegisterRoutes(api)
}
