package tryon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/changeroom/changeroom-api/internal/domain/billing"
	"github.com/changeroom/changeroom-api/internal/middleware"
	"github.com/changeroom/changeroom-api/internal/pkg/response"
)

const (
	maxImageBytes  = 10 << 20
	maxUploadBytes = 2*maxImageBytes + 1<<20
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Response is returned by a successful try-on.
type Response struct {
	RequestID        string `json:"request_id"`
	ImageURL         string `json:"image_url"`
	Charged          bool   `json:"charged"`
	CreditsAvailable *int   `json:"credits_available,omitempty"`
}

// TryOn handles POST /tryon (multipart: user_image, clothing_image, category,
// garment_metadata). The request id comes from the Idempotency-Key header or
// the request_id field; a fresh one is generated when both are absent.
func (h *Handler) TryOn(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok || identity.UserID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		response.BadRequest(w, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	userImage, err := readFile(r, "user_image")
	if err != nil {
		response.ValidationError(w, map[string]string{"user_image": err.Error()})
		return
	}
	clothingImage, err := readFile(r, "clothing_image")
	if err != nil {
		response.ValidationError(w, map[string]string{"clothing_image": err.Error()})
		return
	}

	var metadata map[string]interface{}
	if raw := strings.TrimSpace(r.FormValue("garment_metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			response.ValidationError(w, map[string]string{"garment_metadata": "must be a JSON object"})
			return
		}
	}

	category := strings.TrimSpace(r.FormValue("category"))
	if category == "" {
		if c, ok := metadata["category"].(string); ok {
			category = c
		}
	}

	requestID := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if requestID == "" {
		requestID = strings.TrimSpace(r.FormValue("request_id"))
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	res, err := h.service.TryOn(r.Context(), Request{
		UserID:        identity.UserID,
		EmailVerified: identity.EmailVerified,
		RequestID:     requestID,
		Category:      category,
		UserImage:     userImage,
		ClothingImage: clothingImage,
		Metadata:      metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	out := Response{
		RequestID: res.RequestID,
		ImageURL:  res.ImageURL,
		Charged:   res.Charged,
	}
	if res.Account != nil {
		credits := res.Account.CreditsAvailable
		out.CreditsAvailable = &credits
	}
	response.OK(w, out)
}

func readFile(r *http.Request, field string) ([]byte, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, errors.New("file is required")
	}
	defer file.Close()
	return readLimited(file, header)
}

func readLimited(file multipart.File, header *multipart.FileHeader) ([]byte, error) {
	if header.Size > maxImageBytes {
		return nil, fmt.Errorf("file exceeds %d MB", maxImageBytes>>20)
	}
	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		return nil, errors.New("failed to read file")
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("file exceeds %d MB", maxImageBytes>>20)
	}
	if len(data) == 0 {
		return nil, errors.New("file is empty")
	}
	return data, nil
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidImage):
		response.Error(w, http.StatusBadRequest, "INVALID_IMAGE", "Image could not be read")
	case errors.Is(err, ErrInvalidCategory), errors.Is(err, ErrInvalidRequest):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrRequestConflict), errors.Is(err, ErrAlreadyCompleted):
		response.Conflict(w, err.Error())
	case errors.Is(err, ErrContentRejected):
		response.Error(w, http.StatusUnprocessableEntity, "CONTENT_REJECTED", "The images were rejected by the content policy")
	case errors.Is(err, ErrRenderFailed):
		response.Error(w, http.StatusBadGateway, "RENDER_FAILED", "Try-on could not be generated, retry with the same request id")
	default:
		billing.WriteError(w, err)
	}
}

func (h *Handler) Routes(authMiddleware, rateLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.With(rateLimit).Post("/", h.TryOn)
	return r
}
