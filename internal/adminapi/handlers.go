// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BetterAndBetterII/SiteSearch/internal/admin"
	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
	"github.com/BetterAndBetterII/SiteSearch/internal/supervisor"
)

// Handler holds the API handler dependencies.
type Handler struct {
	cfg        *config.Config
	apiCfg     *Config
	qm         *queue.Manager
	supervisor *supervisor.Supervisor
	logger     *zap.Logger
	auditLog   *AuditLogger
}

// NewHandler creates a new API handler.
func NewHandler(cfg *config.Config, apiCfg *Config, qm *queue.Manager, sup *supervisor.Supervisor, logger *zap.Logger, auditLog *AuditLogger) *Handler {
	return &Handler{
		cfg:        cfg,
		apiCfg:     apiCfg,
		qm:         qm,
		supervisor: sup,
		logger:     logger,
		auditLog:   auditLog,
	}
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := admin.Stats(ctx, h.cfg, h.qm)
	if err != nil {
		h.logger.Error("failed to get stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", "failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{Queues: stats.Queues, Timestamp: time.Now()})
}

// GetStatsKeys handles GET /api/v1/stats/keys
func (h *Handler) GetStatsKeys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := admin.StatsKeys(ctx, h.cfg, h.qm)
	if err != nil {
		h.logger.Error("failed to get stats keys", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", "failed to retrieve key statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsKeysResponse{QueueLengths: stats.QueueLengths, Timestamp: time.Now()})
}

// PeekQueue handles GET /api/v1/queues/{queue}/peek
func (h *Handler) PeekQueue(w http.ResponseWriter, r *http.Request) {
	queueAlias := mux.Vars(r)["queue"]

	count := 10
	if c := r.URL.Query().Get("count"); c != "" {
		if n, err := strconv.Atoi(c); err == nil && n > 0 && n <= 100 {
			count = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := admin.Peek(ctx, h.cfg, h.qm, queueAlias, int64(count))
	if err != nil {
		h.logger.Error("failed to peek queue", zap.Error(err), zap.String("queue", queueAlias))
		writeError(w, http.StatusBadRequest, "PEEK_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, PeekResponse{
		Queue: result.Queue, Items: result.Items, Count: len(result.Items), Timestamp: time.Now(),
	})
}

// PeekField handles GET /api/v1/queues/{queue}/peek/field?path=$.foo.bar&index=0.
// Envelopes carry an open-ended Metadata map (see internal/envelope), so a
// fixed per-field response type can't cover every caller's question; a
// JSONPath query against the raw peeked item lets operators reach into it
// without us enumerating every field up front.
func (h *Handler) PeekField(w http.ResponseWriter, r *http.Request) {
	queueAlias := mux.Vars(r)["queue"]
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PATH", "path query parameter is required")
		return
	}

	index := 0
	if idx := r.URL.Query().Get("index"); idx != "" {
		if n, err := strconv.Atoi(idx); err == nil && n >= 0 {
			index = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := admin.Peek(ctx, h.cfg, h.qm, queueAlias, int64(index+1))
	if err != nil {
		h.logger.Error("failed to peek queue for field query", zap.Error(err), zap.String("queue", queueAlias))
		writeError(w, http.StatusBadRequest, "PEEK_ERROR", err.Error())
		return
	}
	if index >= len(result.Items) {
		writeError(w, http.StatusNotFound, "NO_SUCH_ITEM", "queue does not have an item at that index")
		return
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(result.Items[index]), &doc); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "DECODE_ERROR", fmt.Sprintf("item is not valid JSON: %v", err))
		return
	}

	value, err := jsonpath.Get(path, doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "JSONPATH_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, PeekFieldResponse{
		Queue: result.Queue, Path: path, Index: index, Value: value,
	})
}

// GetFailed handles GET /api/v1/queues/{queue}/failed
func (h *Handler) GetFailed(w http.ResponseWriter, r *http.Request) {
	queueAlias := mux.Vars(r)["queue"]

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	items, err := admin.FailedList(ctx, h.cfg, h.qm, queueAlias)
	if err != nil {
		h.logger.Error("failed to list failed tasks", zap.Error(err), zap.String("queue", queueAlias))
		writeError(w, http.StatusBadRequest, "FAILED_LIST_ERROR", err.Error())
		return
	}

	out := make([]FailedItem, 0, len(items))
	for _, it := range items {
		out = append(out, FailedItem{
			TaskID: it.TaskID, Queue: it.Queue, URL: it.URL, Reason: it.Reason,
			Retries: it.Retries, FailedAt: it.FailedAt,
		})
	}
	writeJSON(w, http.StatusOK, FailedListResponse{Items: out, Count: len(out), Timestamp: time.Now()})
}

// PurgeFailed handles DELETE /api/v1/queues/{queue}/failed
func (h *Handler) PurgeFailed(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Confirmation != h.apiCfg.ConfirmationPhrase {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("confirmation phrase must be '%s'", h.apiCfg.ConfirmationPhrase))
		return
	}
	if len(req.Reason) < 3 {
		writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "a valid reason is required for this operation")
		return
	}

	queueAlias := mux.Vars(r)["queue"]

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	purged, err := admin.PurgeFailed(ctx, h.cfg, h.qm, queueAlias)
	if err != nil {
		h.logger.Error("failed to purge failed set", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "PURGE_ERROR", "failed to purge failed task set")
		return
	}

	h.audit(r, "PURGE_FAILED", queueAlias, req.Reason, map[string]interface{}{"items_deleted": purged})

	writeJSON(w, http.StatusOK, PurgeResponse{
		Success: true, ItemsDeleted: int64(purged),
		Message: fmt.Sprintf("purged %d tasks from %s's failed set", purged, queueAlias), Timestamp: time.Now(),
	})
}

// PurgeAll handles DELETE /api/v1/queues/all
func (h *Handler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	expectedPhrase := h.apiCfg.ConfirmationPhrase + "_ALL"
	if req.Confirmation != expectedPhrase {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("confirmation phrase must be '%s' for purging all queues", expectedPhrase))
		return
	}
	if len(req.Reason) < 10 {
		writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "a detailed reason (min 10 chars) is required for this operation")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	deleted, err := admin.PurgeAll(ctx, h.cfg, h.qm)
	if err != nil {
		h.logger.Error("failed to purge all", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "PURGE_ERROR", "failed to purge all queues")
		return
	}

	h.audit(r, "PURGE_ALL", "ALL_QUEUES", req.Reason, map[string]interface{}{"items_deleted": deleted})

	writeJSON(w, http.StatusOK, PurgeResponse{
		Success: true, ItemsDeleted: deleted,
		Message: fmt.Sprintf("purged %d items across all queues", deleted), Timestamp: time.Now(),
	})
}

// RunBenchmark handles POST /api/v1/bench
func (h *Handler) RunBenchmark(w http.ResponseWriter, r *http.Request) {
	var req BenchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Count <= 0 || req.Count > 10000 {
		writeError(w, http.StatusBadRequest, "INVALID_COUNT", "count must be between 1 and 10000")
		return
	}
	if req.Queue == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUEUE", "queue is required")
		return
	}
	if req.Rate <= 0 {
		req.Rate = 100
	}
	timeout := 30 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout+10*time.Second)
	defer cancel()

	result, err := admin.Bench(ctx, h.cfg, h.qm, req.Queue, req.Count, req.Rate, timeout)
	if err != nil {
		h.logger.Error("failed to run benchmark", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "BENCH_ERROR", "failed to run benchmark")
		return
	}

	h.audit(r, "RUN_BENCHMARK", req.Queue, "", map[string]interface{}{
		"count": req.Count, "rate": req.Rate, "throughput": result.Throughput,
	})

	writeJSON(w, http.StatusOK, BenchResponse{
		Count: result.Count, Duration: result.Duration, Throughput: result.Throughput,
		P50: result.P50, P95: result.P95, Timestamp: time.Now(),
	})
}

// GetStatus handles GET /api/v1/status, the Supervisor's live status snapshot.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status, err := h.supervisor.GetStatus(ctx)
	if err != nil {
		h.logger.Error("failed to get status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STATUS_ERROR", "failed to retrieve pipeline status")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		NumGoroutines: status.NumGoroutines, HeapAllocMB: status.HeapAllocMB,
		Stages: status.Stages, Timestamp: time.Now(),
	})
}

// GetConfig handles GET /api/v1/config, dumping the effective pipeline
// config as YAML for operators. Store.DSN is redacted since it carries
// database credentials.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	dump := *h.cfg
	if dump.Store.DSN != "" {
		dump.Store.DSN = "[redacted]"
	}

	out, err := yaml.Marshal(dump)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "MARSHAL_ERROR", "failed to render config")
		return
	}

	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// ScaleStage handles POST /api/v1/stages/scale
func (h *Handler) ScaleStage(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Replicas < 1 {
		writeError(w, http.StatusBadRequest, "INVALID_REPLICAS", "replicas must be >= 1")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := h.supervisor.Scale(ctx, req.Stage, req.Replicas); err != nil {
		h.logger.Error("failed to scale stage", zap.Error(err), zap.String("stage", req.Stage))
		writeError(w, http.StatusBadRequest, "SCALE_ERROR", err.Error())
		return
	}

	h.audit(r, "SCALE_STAGE", req.Stage, "", map[string]interface{}{"replicas": req.Replicas})
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: fmt.Sprintf("%s scaled to %d replicas", req.Stage, req.Replicas)})
}

// RestartStage handles POST /api/v1/stages/{stage}/restart
func (h *Handler) RestartStage(w http.ResponseWriter, r *http.Request) {
	stage := mux.Vars(r)["stage"]

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := h.supervisor.Restart(ctx, stage); err != nil {
		h.logger.Error("failed to restart stage", zap.Error(err), zap.String("stage", stage))
		writeError(w, http.StatusBadRequest, "RESTART_ERROR", err.Error())
		return
	}

	h.audit(r, "RESTART_STAGE", stage, "", nil)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: fmt.Sprintf("%s restarted", stage)})
}

func (h *Handler) audit(r *http.Request, action, resource, reason string, details map[string]interface{}) {
	if h.auditLog == nil {
		return
	}
	entry := AuditEntry{
		ID: generateID(), Timestamp: time.Now(), Action: action, Resource: resource,
		Result: "SUCCESS", Reason: reason, Details: details,
		IP: getClientIP(r), UserAgent: r.UserAgent(),
	}
	if claims, ok := r.Context().Value(contextKeyClaims).(*Claims); ok {
		entry.User = claims.Subject
	}
	h.auditLog.Log(entry)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	response := ErrorResponse{
		Error: message,
		Code:  code,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
