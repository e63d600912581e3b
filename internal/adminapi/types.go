// Copyright 2025 James Ross
package adminapi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
)

// Request types

type PeekRequest struct {
	Count int `json:"count" validate:"min=1,max=100"`
}

type BenchRequest struct {
	Count    int    `json:"count" validate:"required,min=1,max=10000"`
	Queue    string `json:"queue" validate:"required"`
	Rate     int    `json:"rate" validate:"min=1,max=1000"`
	Timeout  int    `json:"timeout_seconds" validate:"min=1,max=300"`
}

type PurgeRequest struct {
	Confirmation string `json:"confirmation" validate:"required"`
	Reason       string `json:"reason" validate:"required,min=3,max=500"`
}

type ScaleRequest struct {
	Stage    string `json:"stage" validate:"required"`
	Replicas int    `json:"replicas" validate:"required,min=1,max=256"`
}

// Response types

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type StatsResponse struct {
	Queues    map[string]queue.Metrics `json:"queues"`
	Timestamp time.Time                `json:"timestamp"`
}

type StatsKeysResponse struct {
	QueueLengths map[string]queue.Metrics `json:"queue_lengths"`
	Timestamp    time.Time                `json:"timestamp"`
}

type PeekResponse struct {
	Queue     string    `json:"queue"`
	Items     []string  `json:"items"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type PeekFieldResponse struct {
	Queue string      `json:"queue"`
	Path  string      `json:"path"`
	Index int         `json:"index"`
	Value interface{} `json:"value"`
}

type BenchResponse struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_tasks_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
	Timestamp  time.Time     `json:"timestamp"`
}

type PurgeResponse struct {
	Success      bool      `json:"success"`
	ItemsDeleted int64     `json:"items_deleted,omitempty"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// Failed-task types, the dead-letter equivalent for envelope-based tasks.

type FailedItem struct {
	TaskID   string    `json:"task_id"`
	Queue    string    `json:"queue,omitempty"`
	URL      string    `json:"url,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Retries  int       `json:"retries,omitempty"`
	FailedAt time.Time `json:"failed_at,omitempty"`
}

type FailedListResponse struct {
	Items     []FailedItem `json:"items"`
	Count     int          `json:"count"`
	Timestamp time.Time    `json:"timestamp"`
}

type FailedPurgeRequest struct {
	Queue string `json:"queue" validate:"required"`
}

type FailedPurgeResponse struct {
	Purged    int       `json:"purged"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse mirrors the Supervisor's own status snapshot over HTTP.
type StatusResponse struct {
	NumGoroutines int         `json:"num_goroutines"`
	HeapAllocMB   float64     `json:"heap_alloc_mb"`
	Stages        interface{} `json:"stages"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Audit log entry
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	User      string                 `json:"user"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Result    string                 `json:"result"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"user_agent"`
}

// Claims is the JWT payload accepted from admin API callers. Subject, exp
// and iat come from the embedded registered claims; Roles is decoded for
// future authorization checks but no handler currently branches on it.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Rate limit info
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}
