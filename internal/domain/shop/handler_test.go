package shop

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changeroom/changeroom-api/internal/middleware"
	pkgshop "github.com/changeroom/changeroom-api/internal/pkg/shop"
)

type fakeSearcher struct {
	query  string
	budget float64
	err    error
}

func (f *fakeSearcher) Search(_ context.Context, query string, budget float64) ([]pkgshop.Product, error) {
	f.query, f.budget = query, budget
	if f.err != nil {
		return nil, f.err
	}
	return []pkgshop.Product{{Title: "Linen shirt", Price: "$20.00", Amount: 20, Link: "https://shop.test/1"}}, nil
}

func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-Test-User")
		if userID == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), middleware.Identity{UserID: userID})))
	})
}

func passThrough(next http.Handler) http.Handler { return next }

func search(searcher Searcher, userID, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Mount("/shop", NewHandler(searcher).Routes(fakeAuth, passThrough))

	req := httptest.NewRequest(http.MethodPost, "/shop/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerSearch(t *testing.T) {
	searcher := &fakeSearcher{}
	w := search(searcher, "user-1", `{"query":"linen shirt","budget":50}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "linen shirt", searcher.query)
	assert.Equal(t, 50.0, searcher.budget)
	assert.Contains(t, w.Body.String(), `"title":"Linen shirt"`)
}

func TestHandlerSearchErrors(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		body     string
		err      error
		wantCode int
	}{
		{"unauthenticated", "", `{"query":"shirt"}`, nil, http.StatusUnauthorized},
		{"missing query", "user-1", `{"budget":10}`, nil, http.StatusUnprocessableEntity},
		{"negative budget", "user-1", `{"query":"shirt","budget":-1}`, nil, http.StatusUnprocessableEntity},
		{"unknown field", "user-1", `{"query":"shirt","color":"red"}`, nil, http.StatusBadRequest},
		{"not configured", "user-1", `{"query":"shirt"}`, pkgshop.ErrNotConfigured, http.StatusServiceUnavailable},
		{"provider failure", "user-1", `{"query":"shirt"}`, errors.New("shop http error: status=500"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := search(&fakeSearcher{err: tt.err}, tt.userID, tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}
