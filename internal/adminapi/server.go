// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/exactly_once"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
	"github.com/BetterAndBetterII/SiteSearch/internal/supervisor"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the admin API server.
type Server struct {
	cfg        *Config
	appCfg     *config.Config
	qm         *queue.Manager
	supervisor *supervisor.Supervisor
	idem       exactly_once.IdempotencyManager
	outbox     *exactly_once.SQLOutboxManager
	logger     *zap.Logger
	server     *http.Server
	auditLog   *AuditLogger
}

// NewServer creates a new admin API server. idem and outbox may be nil when
// the pipeline isn't running with exactly-once seeding/outbox enabled.
func NewServer(cfg *Config, appCfg *config.Config, qm *queue.Manager, sup *supervisor.Supervisor, idem exactly_once.IdempotencyManager, outbox *exactly_once.SQLOutboxManager, logger *zap.Logger) (*Server, error) {
	var auditLog *AuditLogger
	var err error

	if cfg.AuditEnabled {
		auditLog, err = NewAuditLogger(cfg.AuditLogPath, cfg.AuditRotateSize, cfg.AuditMaxBackups)
		if err != nil {
			return nil, fmt.Errorf("create audit logger: %w", err)
		}
	}

	return &Server{
		cfg:        cfg,
		appCfg:     appCfg,
		qm:         qm,
		supervisor: sup,
		idem:       idem,
		outbox:     outbox,
		logger:     logger,
		auditLog:   auditLog,
	}, nil
}

// Start starts the API server.
func (s *Server) Start() error {
	handler := s.applyMiddleware(s.SetupRoutes())

	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting admin API server",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("auth_enabled", s.cfg.RequireAuth),
		zap.Bool("rate_limit_enabled", s.cfg.RateLimitEnabled))

	if s.cfg.TLSEnabled {
		return s.server.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.auditLog != nil {
		s.auditLog.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SetupRoutes configures the API routes (exported for testing).
func (s *Server) SetupRoutes() http.Handler {
	r := mux.NewRouter()
	h := NewHandler(s.appCfg, s.cfg, s.qm, s.supervisor, s.logger, s.auditLog)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/keys", h.GetStatsKeys).Methods(http.MethodGet)
	api.HandleFunc("/queues/{queue}/peek", h.PeekQueue).Methods(http.MethodGet)
	api.HandleFunc("/queues/{queue}/peek/field", h.PeekField).Methods(http.MethodGet)
	api.HandleFunc("/queues/{queue}/failed", h.GetFailed).Methods(http.MethodGet)
	api.HandleFunc("/queues/{queue}/failed", h.PurgeFailed).Methods(http.MethodDelete)
	api.HandleFunc("/queues/all", h.PurgeAll).Methods(http.MethodDelete)
	api.HandleFunc("/bench", h.RunBenchmark).Methods(http.MethodPost)
	api.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/config", h.GetConfig).Methods(http.MethodGet)
	api.HandleFunc("/stages/scale", h.ScaleStage).Methods(http.MethodPost)
	api.HandleFunc("/stages/{stage}/restart", h.RestartStage).Methods(http.MethodPost)

	exactlyOnceRoutes(api, s.idem, s.outbox, s.logger)

	r.HandleFunc("/api/v1/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		w.Write([]byte(openAPISpec))
	}).Methods(http.MethodGet)

	return r
}

// applyMiddleware applies the middleware chain, outermost first.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware()(handler)

	if s.cfg.CORSEnabled {
		handler = CORSMiddleware(s.cfg.CORSAllowOrigins)(handler)
	}
	if s.cfg.AuditEnabled && s.auditLog != nil {
		handler = AuditMiddleware(s.auditLog, s.logger)(handler)
	}
	if s.cfg.RateLimitEnabled {
		handler = RateLimitMiddleware(s.cfg.RateLimitPerMinute, s.cfg.RateLimitBurst, s.logger)(handler)
	}
	if s.cfg.RequireAuth {
		handler = AuthMiddleware(s.cfg.JWTSecret, s.cfg.DenyByDefault, s.logger)(handler)
	}
	return handler
}
