package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"

	"github.com/cognativeshield/fraudguard/internal/config"
	"github.com/cognativeshield/fraudguard/internal/fraud"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		LogFormat:        "text",
		StoreTimeout:     time.Second,
		VelocityWindow:   time.Hour,
		StrictVocabulary: true,
		RedisProfileTTL:  time.Minute,
		AdminSecret:      "s3cret",
		RateLimitRPM:     6000,

		AlertBreakerThreshold: 3,
		AlertBreakerCooldown:  time.Minute,
	}
}

// newTestServer creates an in-memory server
func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	s, err := New(cfg, WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.closeStores()
	})
	return s
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

const txBody = `{"transactionId":"TXN-1","userId":1001,"amount":"500","hour":14,"location":"Mumbai","deviceId":"Android_A","merchantId":"paytm@upi"}`

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if len(resp.Checks) != 1 || resp.Checks[0].Name != "model" || resp.Checks[0].Detail != "logreg-upi-2024.11" {
		t.Errorf("Expected only the model check, got %+v", resp.Checks)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	if w := do(s, "GET", "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	// Server hasn't called Run() so ready is false
	if w := do(s, "GET", "/health/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	if w := do(s, "GET", "/health/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 once ready, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t, nil)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/transactions",
		"POST:/v1/transactions/evaluate",
		"POST:/v1/transactions/batch",
		"GET:/v1/transactions/recent",
		"GET:/v1/alerts",
		"GET:/v1/stats",
		"GET:/v1/stats/hourly",
		"GET:/v1/users/risk",
		"GET:/v1/users/:id/profile",
		"GET:/v1/model",
		"GET:/v1/realtime/stats",
		"DELETE:/v1/admin/data",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end through the middleware stack
// ---------------------------------------------------------------------------

func TestScoreAndQuery(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, "POST", "/v1/transactions", txBody, map[string]string{"X-Request-ID": "req-abc"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("Expected request ID to be echoed, got %q", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected security headers on API responses")
	}

	w = do(s, "GET", "/v1/users/1001/profile", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"transactionCount":1`) {
		t.Errorf("Expected stored profile, got %d: %s", w.Code, w.Body.String())
	}

	w = do(s, "GET", "/v1/stats", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"totalTransactions":1`) {
		t.Errorf("Expected stats for one transaction, got %s", w.Body.String())
	}
}

func TestGeneratedRequestID(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, "GET", "/v1/model", "", map[string]string{"X-Request-ID": "bad id with spaces"})
	if got := w.Header().Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
		t.Errorf("Expected a generated request ID, got %q", got)
	}
}

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t, nil)

	if w := do(s, "DELETE", "/v1/admin/data", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}
	if w := do(s, "DELETE", "/v1/admin/data", "", map[string]string{"X-Admin-Secret": "s3cret"}); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d", w.Code)
	}
}

func TestRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1 // burst floor of 10
	s := newTestServer(t, cfg)

	var limited bool
	for i := 0; i < 15; i++ {
		if do(s, "GET", "/v1/model", "", nil).Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("Expected requests beyond the burst to be throttled")
	}
	if w := do(s, "GET", "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("Health checks must not be throttled, got %d", w.Code)
	}
}

func TestRedisProfileCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	s := newTestServer(t, cfg)

	if _, ok := s.store.(*fraud.CachedStore); !ok {
		t.Fatalf("Expected a cached store, got %T", s.store)
	}

	if w := do(s, "POST", "/v1/transactions", txBody, nil); w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if !mr.Exists("fraudguard:profile:0:1001") {
		t.Error("Expected the profile to be cached")
	}

	w := do(s, "GET", "/health", "", nil)
	if !strings.Contains(w.Body.String(), `"name":"redis"`) {
		t.Errorf("Expected a redis health check, got %s", w.Body.String())
	}

	mr.Close()
	if w := do(s, "GET", "/health", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected degraded health with redis down, got %d", w.Code)
	}
}

func TestAlertWebhooksWired(t *testing.T) {
	cfg := testConfig()
	cfg.AlertWebhookURLs = []string{"https://hooks.example.com/fraud"}
	cfg.AlertWebhookSecret = "whsec_test"
	s := newTestServer(t, cfg)

	if s.webhooks == nil {
		t.Fatal("Expected a webhook dispatcher when ALERT_WEBHOOK_URLS is set")
	}
	if newTestServer(t, nil).webhooks != nil {
		t.Error("Expected no webhook dispatcher by default")
	}
}

func TestNew_BadModelPath(t *testing.T) {
	cfg := testConfig()
	cfg.ModelPath = "/nonexistent/model.json"
	if _, err := New(cfg); err == nil {
		t.Fatal("Expected an error for a missing model artifact")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error":"not_found"`) {
		t.Errorf("Expected JSON error body, got %s", w.Body.String())
	}
}

func TestRunAndShutdown(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.ready.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.ready.Load() {
		t.Fatal("Server never became ready")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if s.ready.Load() {
		t.Error("Expected not ready after shutdown")
	}
}
