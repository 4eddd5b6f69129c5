package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/changeroom/changeroom-api/internal/pkg/ratelimit"
)

func TestRateLimitRejectsOverBudgetPerUser(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: 1, Window: time.Minute})
	h := RateLimit(limiter, "tryon")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tryon", nil)
		req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: userID}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	if w := call("user-1"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w := call("user-1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	if w := call("user-2"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for a different user, got %d", w.Code)
	}
}

func TestRateLimitKeysAnonymousCallersByIP(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: 1, Window: time.Minute})
	h := RateLimit(limiter, "webhook")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if code := call("10.0.0.1:1234"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := call("10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same ip, got %d", code)
	}
	if code := call("10.0.0.2:1234"); code != http.StatusOK {
		t.Fatalf("expected 200 for another ip, got %d", code)
	}
}
