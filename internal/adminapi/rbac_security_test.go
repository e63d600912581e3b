// Copyright 2025 James Ross
//go:build security
// +build security

package adminapi_test

import (
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
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func signTestMessage(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	signature := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return message + "." + signature
}

func signTestJWT(secret string, claims map[string]interface{}) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claimsJSON, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(claimsJSON)
	return signTestMessage(secret, header+"."+payload)
}

// TestSecurityFuzzHeaders fuzzes HTTP headers for crash/leak vulnerabilities.
func TestSecurityFuzzHeaders(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping security fuzz tests in short mode")
	}

	system := setupSecurityTestSystem(t)
	defer system.cleanup()

	validToken := createValidJWT(system.secret)

	fuzzPayloads := []struct {
		name   string
		header string
		values []string
	}{
		{
			name:   "Authorization Header Fuzzing",
			header: "Authorization",
			values: []string{
				"Bearer " + strings.Repeat("A", 10000),
				"Bearer ../../../etc/passwd",
				"Bearer <script>alert('xss')</script>",
				"Bearer \x00\x01\x02\x03",
				"Bearer ' OR 1=1 --",
				"Basic " + base64.StdEncoding.EncodeToString([]byte("admin:admin")),
				"Bearer " + createUnsignedToken(),
			},
		},
		{
			name:   "Content-Type Header Fuzzing",
			header: "Content-Type",
			values: []string{
				"application/json; charset=../../../etc/passwd",
				"application/json\r\nX-Injected: malicious",
				strings.Repeat("application/json", 1000),
			},
		},
		{
			name:   "X-Forwarded-For Header Fuzzing",
			header: "X-Forwarded-For",
			values: []string{
				strings.Repeat("127.0.0.1,", 10000),
				"<script>alert('xss')</script>",
				"192.168.1.1\r\nX-Evil: true",
			},
		},
	}

	for _, fuzzTest := range fuzzPayloads {
		t.Run(fuzzTest.name, func(t *testing.T) {
			for i, maliciousValue := range fuzzTest.values {
				t.Run(fmt.Sprintf("Payload_%d", i), func(t *testing.T) {
					req := httptest.NewRequest("GET", "/api/v1/stats", nil)
					if fuzzTest.header != "Authorization" {
						req.Header.Set("Authorization", "Bearer "+validToken)
					}
					req.Header.Set(fuzzTest.header, maliciousValue)

					w := httptest.NewRecorder()
					system.handler.ServeHTTP(w, req)

					if w.Code == 500 {
						body := w.Body.String()
						if strings.Contains(body, "panic") || strings.Contains(body, "stack trace") {
							t.Errorf("system panic exposed in response: %s", body)
						}
					}

					for headerName, headerValues := range w.Header() {
						for _, headerValue := range headerValues {
							if strings.Contains(headerValue, "<script>") || strings.Contains(headerValue, "X-Evil") {
								t.Errorf("header injection detected in response header %s: %s", headerName, headerValue)
							}
						}
					}
				})
			}
		})
	}
}

// TestSecurityTokenTampering verifies signature and algorithm tampering is rejected.
func TestSecurityTokenTampering(t *testing.T) {
	system := setupSecurityTestSystem(t)
	defer system.cleanup()

	tests := []struct {
		name  string
		token func() string
	}{
		{
			name: "claims tampered without re-signing",
			token: func() string {
				valid := createValidJWT(system.secret)
				parts := strings.Split(valid, ".")
				payload, _ := base64.RawURLEncoding.DecodeString(parts[1])
				var claims map[string]interface{}
				json.Unmarshal(payload, &claims)
				claims["roles"] = []string{"admin"}
				modified, _ := json.Marshal(claims)
				parts[1] = base64.RawURLEncoding.EncodeToString(modified)
				return strings.Join(parts, ".")
			},
		},
		{
			name:  "none algorithm",
			token: createUnsignedToken,
		},
		{
			name: "malformed claims",
			token: func() string { return createTokenWithMalformedClaims(system.secret) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/stats", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token())

			w := httptest.NewRecorder()
			system.handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401 for tampered token, got %d", w.Code)
			}
		})
	}
}

// TestSecurityReplayAttacks tests expired/future/clock-skewed token replay.
func TestSecurityReplayAttacks(t *testing.T) {
	system := setupSecurityTestSystem(t)
	defer system.cleanup()

	replayTests := []struct {
		name        string
		setupAttack func() string
	}{
		{name: "Expired Token Replay", setupAttack: func() string { return createExpiredJWT(system.secret) }},
		{
			name: "Replay with Modified Timestamps",
			setupAttack: func() string {
				valid := createValidJWT(system.secret)
				return modifyTokenTimestamps(valid)
			},
		},
	}

	for _, test := range replayTests {
		t.Run(test.name, func(t *testing.T) {
			attackToken := test.setupAttack()

			for _, endpoint := range []string{"/api/v1/stats", "/api/v1/queues/url/peek"} {
				req := httptest.NewRequest("GET", endpoint, nil)
				req.Header.Set("Authorization", "Bearer "+attackToken)

				w := httptest.NewRecorder()
				system.handler.ServeHTTP(w, req)

				if w.Code != http.StatusUnauthorized {
					t.Errorf("replay attack not blocked for endpoint %s, got status %d", endpoint, w.Code)
				}
			}
		})
	}
}

// TestSecurityTimingAttacks checks token validation has no wildly inconsistent timing.
func TestSecurityTimingAttacks(t *testing.T) {
	system := setupSecurityTestSystem(t)
	defer system.cleanup()

	tokens := []string{
		createValidJWT(system.secret),
		"invalid.token.here",
		createExpiredJWT(system.secret),
	}

	timings := make([]time.Duration, len(tokens))
	for i, token := range tokens {
		start := time.Now()

		req := httptest.NewRequest("GET", "/api/v1/stats", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		w := httptest.NewRecorder()
		system.handler.ServeHTTP(w, req)

		timings[i] = time.Since(start)
	}

	for i := 1; i < len(timings); i++ {
		ratio := float64(timings[i]) / float64(timings[0])
		if ratio > 10.0 || ratio < 0.1 {
			t.Logf("potential timing difference detected: %v vs %v (ratio: %.2f)", timings[0], timings[i], ratio)
		}
	}
}

// TestSecurityResourceExhaustion tests for DoS-style vulnerabilities.
func TestSecurityResourceExhaustion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping resource exhaustion tests in short mode")
	}

	system := setupSecurityTestSystem(t)
	defer system.cleanup()

	t.Run("Large Token DoS", func(t *testing.T) {
		largeToken := createSecurityTestTokenWithCustomClaims(system.secret, map[string]interface{}{
			"sub":        "test@example.com",
			"exp":        time.Now().Add(time.Hour).Unix(),
			"iat":        time.Now().Unix(),
			"large_data": strings.Repeat("A", 100000),
		})

		req := httptest.NewRequest("GET", "/api/v1/stats", nil)
		req.Header.Set("Authorization", "Bearer "+largeToken)

		w := httptest.NewRecorder()
		system.handler.ServeHTTP(w, req)

		if w.Code == 500 {
			t.Error("server crashed processing large token")
		}
	})

	t.Run("Rapid Request DoS", func(t *testing.T) {
		token := createValidJWT(system.secret)
		limited := false
		for i := 0; i < 100; i++ {
			req := httptest.NewRequest("GET", "/api/v1/stats", nil)
			req.Header.Set("Authorization", "Bearer "+token)

			w := httptest.NewRecorder()
			system.handler.ServeHTTP(w, req)

			if w.Code == http.StatusTooManyRequests {
				limited = true
				break
			}
		}
		if !limited {
			t.Error("rate limiting not triggered")
		}
	})
}

// Support types and functions

type securityTestSystem struct {
	t       *testing.T
	handler http.Handler
	server  *adminapi.Server
	config  *adminapi.Config
	secret  string
	redis   *miniredis.Miniredis
	rdb     *redis.Client
}

func setupSecurityTestSystem(t *testing.T) *securityTestSystem {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	appCfg, qm, sup := newSecurityPipeline(rdb)

	secret := "security-test-secret-key-for-comprehensive-security-testing"
	apiCfg := &adminapi.Config{
		JWTSecret:            secret,
		RequireAuth:          true,
		DenyByDefault:        true,
		RateLimitEnabled:     true,
		RateLimitPerMinute:   60,
		RateLimitBurst:       10,
		RequireDoubleConfirm: true,
		ConfirmationPhrase:   "CONFIRM_DELETE",
	}

	server, err := adminapi.NewServer(apiCfg, appCfg, qm, sup, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	handler := server.SetupRoutes()
	handler = adminapi.RateLimitMiddleware(apiCfg.RateLimitPerMinute, apiCfg.RateLimitBurst, zap.NewNop())(handler)
	handler = adminapi.AuthMiddleware(apiCfg.JWTSecret, apiCfg.DenyByDefault, zap.NewNop())(handler)
	handler = adminapi.RequestIDMiddleware()(handler)

	return &securityTestSystem{
		t: t, handler: handler, server: server, config: apiCfg, secret: secret, redis: mr, rdb: rdb,
	}
}

func (sys *securityTestSystem) cleanup() {
	sys.rdb.Close()
	sys.redis.Close()
}

func createSecurityTestTokenWithCustomClaims(secret string, claims map[string]interface{}) string {
	return signTestJWT(secret, claims)
}

func createTokenWithMalformedClaims(secret string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	malformedJSON := `{"sub":"test@example.com","exp":` +
		fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()) +
		`,"injection":"value\",\"extra\":\"exploit"`
	payload := base64.RawURLEncoding.EncodeToString([]byte(malformedJSON))
	return signTestMessage(secret, header+"."+payload)
}

func createUnsignedToken() string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims := map[string]interface{}{
		"sub": "attacker@example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	claimsJSON, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(claimsJSON)
	return header + "." + payload + "."
}

func modifyTokenTimestamps(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return token
	}

	payload, _ := base64.RawURLEncoding.DecodeString(parts[1])
	var claims map[string]interface{}
	json.Unmarshal(payload, &claims)

	claims["iat"] = time.Now().Add(-time.Hour).Unix()
	claims["exp"] = time.Now().Add(2 * time.Hour).Unix()

	modifiedPayload, _ := json.Marshal(claims)
	parts[1] = base64.RawURLEncoding.EncodeToString(modifiedPayload)

	return strings.Join(parts, ".")
}
