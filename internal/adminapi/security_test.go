// Copyright 2025 James Ross
//go:build security
// +build security

package adminapi_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	adminapi "github.com/BetterAndBetterII/SiteSearch/internal/adminapi"
	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/BetterAndBetterII/SiteSearch/internal/handler"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
	"github.com/BetterAndBetterII/SiteSearch/internal/supervisor"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type noopSecurityHandler struct{ next string }

func (h *noopSecurityHandler) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if h.next == "" {
		return nil, nil
	}
	env.Advance(h.next)
	return env, nil
}
func (h *noopSecurityHandler) OnStart(ctx context.Context) error { return nil }
func (h *noopSecurityHandler) OnStop(ctx context.Context) error  { return nil }
func (h *noopSecurityHandler) Stats() handler.Stats              { return handler.Stats{} }

func newSecurityPipeline(rdb *redis.Client) (*config.Config, *queue.Manager, *supervisor.Supervisor) {
	qm := queue.New(rdb)
	appCfg := &config.Config{
		Pipeline: config.Pipeline{
			URLQueue: "url", CrawlQueue: "crawl", CleanQueue: "clean", IndexQueue: "index",
			Fetch:   config.Stage{Name: "fetch", InputQueue: "url", OutputQueue: "crawl", Count: 1, MaxRetries: 3, PollTimeout: 50 * time.Millisecond},
			Clean:   config.Stage{Name: "clean", InputQueue: "crawl", OutputQueue: "clean", Count: 1, MaxRetries: 3, PollTimeout: 50 * time.Millisecond},
			Persist: config.Stage{Name: "persist", InputQueue: "clean", OutputQueue: "index", Count: 1, MaxRetries: 3, PollTimeout: 50 * time.Millisecond},
			Index:   config.Stage{Name: "index", InputQueue: "index", OutputQueue: "", Count: 1, MaxRetries: 3, PollTimeout: 50 * time.Millisecond},
		},
		CircuitBreaker: config.CircuitBreaker{FailureThreshold: 0.5, Window: time.Second, CooldownPeriod: time.Second, MinSamples: 5},
	}
	sup := supervisor.New(appCfg, qm, zap.NewNop(), [4]handler.Handler{
		&noopSecurityHandler{next: "crawl"}, &noopSecurityHandler{next: "clean"}, &noopSecurityHandler{next: "index"}, &noopSecurityHandler{},
	})
	return appCfg, qm, sup
}

// TestSecurityAuthRequired verifies that auth is enforced when enabled.
func TestSecurityAuthRequired(t *testing.T) {
	setup, cleanup := newSecurityServer(t, &adminapi.Config{
		JWTSecret:     "test-secret",
		RequireAuth:   true,
		DenyByDefault: true,
	})
	defer cleanup()

	handler := adminapi.AuthMiddleware("test-secret", true, zap.NewNop())(setup.routes)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{"No auth header", "", http.StatusUnauthorized},
		{"Invalid format", "InvalidToken", http.StatusUnauthorized},
		{"Wrong scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"Invalid JWT", "Bearer invalid.jwt.token", http.StatusUnauthorized},
		{"Expired JWT", "Bearer " + createExpiredJWT("test-secret"), http.StatusUnauthorized},
		{"Valid JWT", "Bearer " + createValidJWT("test-secret"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", ts.URL+"/api/v1/stats", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
		})
	}
}

// TestSecurityDestructiveOperations verifies extra security for dangerous operations.
func TestSecurityDestructiveOperations(t *testing.T) {
	setup, cleanup := newSecurityServer(t, &adminapi.Config{
		RequireDoubleConfirm: true,
		ConfirmationPhrase:   "CONFIRM_DELETE",
		AuditEnabled:         true,
		AuditLogPath:         "/tmp/test-audit-security.log",
	})
	defer cleanup()

	ts := httptest.NewServer(setup.routes)
	defer ts.Close()

	setup.mr.Lpush("{sitesearch}:failed:url", "task1")
	setup.mr.Lpush("{sitesearch}:failed:url", "task2")

	tests := []struct {
		name           string
		method         string
		path           string
		body           interface{}
		expectedStatus int
		description    string
	}{
		{
			name: "PurgeFailed without confirmation", method: "DELETE", path: "/api/v1/queues/url/failed",
			body:           adminapi.PurgeRequest{Reason: "Test"},
			expectedStatus: http.StatusBadRequest, description: "Should reject without confirmation",
		},
		{
			name: "PurgeFailed with wrong confirmation", method: "DELETE", path: "/api/v1/queues/url/failed",
			body:           adminapi.PurgeRequest{Confirmation: "YES", Reason: "Test"},
			expectedStatus: http.StatusBadRequest, description: "Should reject with wrong confirmation",
		},
		{
			name: "PurgeFailed without reason", method: "DELETE", path: "/api/v1/queues/url/failed",
			body:           adminapi.PurgeRequest{Confirmation: "CONFIRM_DELETE"},
			expectedStatus: http.StatusBadRequest, description: "Should require reason",
		},
		{
			name: "PurgeAll with single confirmation", method: "DELETE", path: "/api/v1/queues/all",
			body:           adminapi.PurgeRequest{Confirmation: "CONFIRM_DELETE", Reason: "Test purge all"},
			expectedStatus: http.StatusBadRequest, description: "Should require double confirmation for purge all",
		},
		{
			name: "PurgeAll with correct double confirmation", method: "DELETE", path: "/api/v1/queues/all",
			body:           adminapi.PurgeRequest{Confirmation: "CONFIRM_DELETE_ALL", Reason: "Valid reason for purging everything"},
			expectedStatus: http.StatusOK, description: "Should accept with correct double confirmation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				var errResp adminapi.ErrorResponse
				json.NewDecoder(resp.Body).Decode(&errResp)
				t.Errorf("%s: Expected status %d, got %d: %s",
					tt.description, tt.expectedStatus, resp.StatusCode, errResp.Error)
			}
		})
	}
}

// TestSecurityTokenLeakage verifies tokens aren't leaked in responses.
func TestSecurityTokenLeakage(t *testing.T) {
	setup, cleanup := newSecurityServer(t, &adminapi.Config{
		JWTSecret:     "secret-key",
		RequireAuth:   true,
		DenyByDefault: true,
	})
	defer cleanup()

	handler := adminapi.AuthMiddleware("secret-key", true, zap.NewNop())(setup.routes)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	token := createValidJWT("secret-key")

	endpoints := []string{"/api/v1/stats", "/api/v1/stats/keys", "/api/v1/queues/url/peek"}

	for _, endpoint := range endpoints {
		req, _ := http.NewRequest("GET", ts.URL+endpoint, nil)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request to %s failed: %v", endpoint, err)
		}
		defer resp.Body.Close()

		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		body := buf.String()

		if strings.Contains(body, token) {
			t.Errorf("Token leaked in response from %s", endpoint)
		}
		if strings.Contains(body, "secret-key") {
			t.Errorf("Secret key leaked in response from %s", endpoint)
		}

		for key, values := range resp.Header {
			for _, value := range values {
				if strings.Contains(value, token) {
					t.Errorf("Token leaked in header %s from %s", key, endpoint)
				}
				if strings.Contains(value, "secret-key") {
					t.Errorf("Secret key leaked in header %s from %s", key, endpoint)
				}
			}
		}
	}
}

// TestSecurityCORS verifies CORS headers are properly set.
func TestSecurityCORS(t *testing.T) {
	setup, cleanup := newSecurityServer(t, &adminapi.Config{
		CORSEnabled:      true,
		CORSAllowOrigins: []string{"https://example.com", "https://app.example.com"},
	})
	defer cleanup()

	handler := adminapi.CORSMiddleware([]string{"https://example.com", "https://app.example.com"})(setup.routes)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	tests := []struct {
		name           string
		origin         string
		method         string
		expectCORS     bool
		expectedOrigin string
	}{
		{"Allowed origin", "https://example.com", "GET", true, "https://example.com"},
		{"Another allowed origin", "https://app.example.com", "GET", true, "https://app.example.com"},
		{"Disallowed origin", "https://evil.com", "GET", false, ""},
		{"OPTIONS preflight", "https://example.com", "OPTIONS", true, "https://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+"/api/v1/stats", nil)
			req.Header.Set("Origin", tt.origin)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			corsHeader := resp.Header.Get("Access-Control-Allow-Origin")

			if tt.expectCORS {
				if corsHeader != tt.expectedOrigin {
					t.Errorf("Expected CORS header %s, got %s", tt.expectedOrigin, corsHeader)
				}
				if resp.Header.Get("Access-Control-Allow-Methods") == "" {
					t.Error("Missing Access-Control-Allow-Methods header")
				}
			} else if corsHeader != "" {
				t.Errorf("Expected no CORS header for %s, got %s", tt.origin, corsHeader)
			}

			if tt.method == "OPTIONS" && resp.StatusCode != http.StatusNoContent {
				t.Errorf("Expected status 204 for OPTIONS, got %d", resp.StatusCode)
			}
		})
	}
}

// Helper functions

func createValidJWT(secret string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

	claims := fmt.Sprintf(`{"sub":"test@example.com","roles":["admin"],"exp":%d,"iat":%d}`,
		time.Now().Add(1*time.Hour).Unix(),
		time.Now().Unix())
	payload := base64.RawURLEncoding.EncodeToString([]byte(claims))

	message := header + "." + payload
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	signature := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	return message + "." + signature
}

func createExpiredJWT(secret string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

	claims := fmt.Sprintf(`{"sub":"test@example.com","roles":["admin"],"exp":%d,"iat":%d}`,
		time.Now().Add(-1*time.Hour).Unix(),
		time.Now().Add(-2*time.Hour).Unix())
	payload := base64.RawURLEncoding.EncodeToString([]byte(claims))

	message := header + "." + payload
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	signature := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	return message + "." + signature
}

type securitySetup struct {
	routes http.Handler
	mr     *miniredis.Miniredis
}

func newSecurityServer(t *testing.T, apiCfg *adminapi.Config) (*securitySetup, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	appCfg, qm, sup := newSecurityPipeline(rdb)

	server, err := adminapi.NewServer(apiCfg, appCfg, qm, sup, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	cleanup := func() {
		rdb.Close()
		mr.Close()
	}
	return &securitySetup{routes: server.SetupRoutes(), mr: mr}, cleanup
}
