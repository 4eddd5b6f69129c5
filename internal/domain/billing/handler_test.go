package billing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/changeroom/changeroom-api/internal/domain/billing"
	"github.com/changeroom/changeroom-api/internal/middleware"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

// fakeAuth trusts the X-Test-User header.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Test-User"); id != "" {
			r = r.WithContext(middleware.WithIdentity(r.Context(), middleware.Identity{UserID: id}))
		}
		next.ServeHTTP(w, r)
	})
}

func newTestRouter(t *testing.T) (http.Handler, *billing.Service) {
	t.Helper()
	svc := billing.NewService(billing.NewRepository(setupSQLite(t)))
	r := chi.NewRouter()
	r.Mount("/billing", billing.NewHandler(svc).Routes(fakeAuth))
	return r, svc
}

func doRequest(t *testing.T, h http.Handler, method, path, userID string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return w, env
}

func TestHandlerAccountCreatesDefaults(t *testing.T) {
	router, _ := newTestRouter(t)

	w, env := doRequest(t, router, http.MethodGet, "/billing/account", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var account billing.AccountResponse
	if err := json.Unmarshal(env.Data, &account); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if account.Plan != billing.PlanFree || account.CreditsAvailable != 0 {
		t.Fatalf("unexpected account: %+v", account)
	}
}

func TestHandlerAccountRequiresIdentity(t *testing.T) {
	router, _ := newTestRouter(t)

	w, _ := doRequest(t, router, http.MethodGet, "/billing/account", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandlerFinalizeOwnHold(t *testing.T) {
	router, svc := newTestRouter(t)
	ctx := context.Background()

	if _, err := svc.GrantCredits(ctx, "owner", 2, billing.GrantMetadata{Source: "test"}, "seed-owner"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.CreateHold(ctx, "owner", "req-1", 1, "tryon"); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	w, env := doRequest(t, router, http.MethodPost, "/billing/holds/req-1/finalize", "owner")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out billing.FinalizeResponse
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != billing.FinalizeStatusFinalized {
		t.Fatalf("expected finalized, got %s", out.Status)
	}
}

func TestHandlerHidesOtherUsersHolds(t *testing.T) {
	router, svc := newTestRouter(t)
	ctx := context.Background()

	if _, err := svc.GrantCredits(ctx, "owner", 1, billing.GrantMetadata{Source: "test"}, "seed-owner"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.CreateHold(ctx, "owner", "req-1", 1, "tryon"); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/billing/holds/req-1"},
		{http.MethodPost, "/billing/holds/req-1/finalize"},
	} {
		w, _ := doRequest(t, router, tc.method, tc.path, "intruder")
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, w.Code)
		}
	}

	hold, err := svc.GetHold(ctx, "req-1")
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if hold.Status != billing.HoldStatusHeld {
		t.Fatalf("hold must stay held, got %s", hold.Status)
	}
}

func TestHandlerLedgerListsNewestFirst(t *testing.T) {
	router, svc := newTestRouter(t)
	ctx := context.Background()

	if _, err := svc.GrantCredits(ctx, "user-1", 3, billing.GrantMetadata{Source: "test"}, "g1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.CreateHold(ctx, "user-1", "req-1", 1, "tryon"); err != nil {
		t.Fatalf("hold: %v", err)
	}

	w, env := doRequest(t, router, http.MethodGet, "/billing/ledger?limit=10", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out billing.LedgerResponse
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entries) != 2 || out.Entries[0].Kind != billing.EntryKindHoldDebit {
		t.Fatalf("unexpected ledger: %+v", out.Entries)
	}
}

func TestWriteErrorMapsPaymentRequired(t *testing.T) {
	for _, err := range []error{billing.ErrInsufficientCredits, billing.ErrAccountFrozen} {
		w := httptest.NewRecorder()
		billing.WriteError(w, err)
		if w.Code != http.StatusPaymentRequired {
			t.Fatalf("%v: expected 402, got %d", err, w.Code)
		}
	}
}

func TestWriteErrorMapsConflicts(t *testing.T) {
	for _, err := range []error{billing.ErrKeyConflict, billing.ErrCustomerRefInUse} {
		w := httptest.NewRecorder()
		billing.WriteError(w, err)
		if w.Code != http.StatusConflict {
			t.Fatalf("%v: expected 409, got %d", err, w.Code)
		}
	}
}
