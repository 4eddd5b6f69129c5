package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func preflight(h http.Handler, origin, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tryon", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", header)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCORSAllowsIdempotencyKeyFromConfiguredOrigin(t *testing.T) {
	h := CORSHandler([]string{"https://app.changeroom.test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := preflight(h, "https://app.changeroom.test", "Idempotency-Key")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.changeroom.test" {
		t.Fatalf("expected origin to be allowed, got %q", got)
	}
	if !strings.EqualFold(w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key") {
		t.Fatalf("expected Idempotency-Key to be allowed, got %q", w.Header().Get("Access-Control-Allow-Headers"))
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials for an explicit origin")
	}

	w = preflight(h, "https://evil.test", "Idempotency-Key")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected unknown origin to be refused, got %q", got)
	}
}

func TestCORSWildcardDropsCredentials(t *testing.T) {
	h := CORSHandler([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := preflight(h, "https://anywhere.test", "Authorization")
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected wildcard origin to be allowed")
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected no credentials with a wildcard origin")
	}
}
