package payment

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/changeroom/changeroom-api/internal/domain/billing"
	"github.com/changeroom/changeroom-api/internal/middleware"
	"github.com/changeroom/changeroom-api/internal/pkg/response"
	"github.com/changeroom/changeroom-api/internal/pkg/validator"
)

// Handler serves the user-facing checkout endpoints.
type Handler struct {
	service    *Service
	successURL string
	cancelURL  string
}

func NewHandler(service *Service, successURL, cancelURL string) *Handler {
	return &Handler{service: service, successURL: successURL, cancelURL: cancelURL}
}

type createCheckoutRequest struct {
	PriceID string `json:"price_id" validate:"required,max=128"`
}

type createCheckoutResponse struct {
	URL string `json:"url"`
}

type verifyCheckoutRequest struct {
	SessionID string `json:"session_id" validate:"required,startswith=cs_,max=255"`
}

type verifyCheckoutResponse struct {
	Account billing.AccountResponse `json:"account"`
	Credits int                     `json:"credits"`
	Applied bool                    `json:"applied"`
}

// CreateCheckout handles POST /billing/checkout
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req createCheckoutRequest
	if err := response.DecodeStrict(w, r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	url, err := h.service.CreateCheckout(r.Context(), CheckoutRequest{
		UserID:     id.UserID,
		Email:      id.Email,
		PriceID:    req.PriceID,
		SuccessURL: h.successURL,
		CancelURL:  h.cancelURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	response.Created(w, createCheckoutResponse{URL: url})
}

// VerifyCheckout handles POST /billing/checkout/verify
func (h *Handler) VerifyCheckout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req verifyCheckoutRequest
	if err := response.DecodeStrict(w, r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	res, err := h.service.VerifyCheckout(r.Context(), userID, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	response.OK(w, verifyCheckoutResponse{
		Account: billing.AccountResponseFrom(res.Account),
		Credits: res.Credits,
		Applied: res.Applied,
	})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotConfigured):
		response.Error(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "payments are not configured")
	case errors.Is(err, ErrUnknownPrice):
		response.BadRequest(w, "unknown price")
	case errors.Is(err, ErrSessionNotOwned), errors.Is(err, ErrSessionLookup):
		response.NotFound(w, "checkout session not found")
	case errors.Is(err, ErrSessionNotPaid):
		response.PaymentRequired(w, "CHECKOUT_NOT_PAID", "checkout session is not paid")
	default:
		log.Error().Err(err).Msg("checkout request failed")
		billing.WriteError(w, err)
	}
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.CreateCheckout)
	r.Post("/verify", h.VerifyCheckout)
	return r
}
