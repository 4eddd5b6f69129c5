package shop

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/changeroom/changeroom-api/internal/middleware"
	"github.com/changeroom/changeroom-api/internal/pkg/logger"
	"github.com/changeroom/changeroom-api/internal/pkg/response"
	pkgshop "github.com/changeroom/changeroom-api/internal/pkg/shop"
	"github.com/changeroom/changeroom-api/internal/pkg/validator"
)

// Searcher finds products similar to a garment the user tried on.
type Searcher interface {
	Search(ctx context.Context, query string, budget float64) ([]pkgshop.Product, error)
}

type Handler struct {
	searcher Searcher
}

func NewHandler(searcher Searcher) *Handler {
	return &Handler{searcher: searcher}
}

type searchRequest struct {
	Query  string  `json:"query" validate:"required,max=200"`
	Budget float64 `json:"budget" validate:"gte=0"`
}

type searchResponse struct {
	Results []pkgshop.Product `json:"results"`
}

// Search handles POST /shop. Searching is free and never touches the ledger.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if middleware.GetUserID(r.Context()) == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req searchRequest
	if err := response.DecodeStrict(w, r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	products, err := h.searcher.Search(r.Context(), req.Query, req.Budget)
	if err != nil {
		if errors.Is(err, pkgshop.ErrNotConfigured) {
			response.Error(w, http.StatusServiceUnavailable, "SHOP_UNAVAILABLE", "Product search is not available")
			return
		}
		logger.FromContext(r.Context()).Error().Err(err).Str("query", req.Query).Msg("product search failed")
		response.Error(w, http.StatusBadGateway, "SHOP_FAILED", "Product search failed")
		return
	}

	response.OK(w, searchResponse{Results: products})
}

func (h *Handler) Routes(authMiddleware, rateLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.With(rateLimit).Post("/", h.Search)
	return r
}
