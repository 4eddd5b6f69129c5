package billing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/changeroom/changeroom-api/internal/middleware"
	"github.com/changeroom/changeroom-api/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Account handles GET /billing/account
func (h *Handler) Account(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	account, err := h.svc.GetOrCreate(r.Context(), userID)
	if err != nil {
		WriteError(w, err)
		return
	}

	response.OK(w, AccountResponseFrom(account))
}

// Ledger handles GET /billing/ledger
func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := h.svc.ListEntries(r.Context(), userID, limit, offset)
	if err != nil {
		WriteError(w, err)
		return
	}

	response.OK(w, LedgerResponse{Entries: entries, Limit: limit, Offset: offset})
}

// GetHold handles GET /billing/holds/{requestID}
func (h *Handler) GetHold(w http.ResponseWriter, r *http.Request) {
	hold, ok := h.ownedHold(w, r)
	if !ok {
		return
	}
	response.OK(w, hold)
}

// FinalizeHold handles POST /billing/holds/{requestID}/finalize
func (h *Handler) FinalizeHold(w http.ResponseWriter, r *http.Request) {
	hold, ok := h.ownedHold(w, r)
	if !ok {
		return
	}

	status, err := h.svc.FinalizeDebit(r.Context(), hold.RequestID)
	if err != nil {
		WriteError(w, err)
		return
	}

	response.OK(w, FinalizeResponse{RequestID: hold.RequestID, Status: status})
}

// ownedHold loads the hold named in the path. Holds of other users are
// reported as missing so request ids of other users stay hidden.
func (h *Handler) ownedHold(w http.ResponseWriter, r *http.Request) (*CreditHold, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return nil, false
	}

	hold, err := h.svc.GetHold(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	if hold.UserID != userID {
		response.NotFound(w, "hold not found")
		return nil, false
	}
	return hold, true
}

// WriteError maps ledger errors onto the API envelope.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		response.PaymentRequired(w, "INSUFFICIENT_CREDITS", "Not enough credits, purchase more to continue")
	case errors.Is(err, ErrAccountFrozen):
		response.PaymentRequired(w, "ACCOUNT_FROZEN", "Billing needs attention before credits can be spent")
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidKey), errors.Is(err, ErrInvalidPlan):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrInvalidUserID):
		response.Unauthorized(w, "unauthorized")
	case errors.Is(err, ErrHoldNotFound), errors.Is(err, ErrAccountNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, ErrCustomerRefInUse), errors.Is(err, ErrKeyConflict):
		response.Conflict(w, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled billing error")
		response.InternalError(w)
	}
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/account", h.Account)
	r.Get("/ledger", h.Ledger)
	r.Get("/holds/{requestID}", h.GetHold)
	r.Post("/holds/{requestID}/finalize", h.FinalizeHold)
	return r
}
