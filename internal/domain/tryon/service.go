package tryon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/changeroom/changeroom-api/internal/domain/billing"
	"github.com/changeroom/changeroom-api/internal/pkg/imaging"
	"github.com/changeroom/changeroom-api/internal/pkg/logger"
	"github.com/changeroom/changeroom-api/internal/pkg/metrics"
	"github.com/changeroom/changeroom-api/internal/pkg/render"
	"github.com/changeroom/changeroom-api/internal/pkg/storage"
	"github.com/changeroom/changeroom-api/internal/pkg/validator"
)

const holdReason = "tryon"

// Ledger is the part of the billing service the try-on flow spends through.
type Ledger interface {
	GetOrCreate(ctx context.Context, userID string) (*billing.BillingAccount, error)
	GrantFreeTrialOnce(ctx context.Context, userID string, amount int) (*billing.TrialResult, error)
	CreateHold(ctx context.Context, userID, requestID string, amount int, reason string) (*billing.HoldResult, error)
	FinalizeDebit(ctx context.Context, requestID string) (billing.FinalizeStatus, error)
	ApplyContentBlockPenalty(ctx context.Context, userID, requestID string, amount int) (*billing.PenaltyResult, error)
}

type Generator interface {
	Render(ctx context.Context, r render.Request) (*render.Result, error)
}

type Normalizer interface {
	Normalize(data []byte) (*imaging.Image, error)
}

type Service struct {
	ledger     Ledger
	generator  Generator
	store      storage.Storage
	normalizer Normalizer
	cfg        Config
}

func NewService(ledger Ledger, generator Generator, store storage.Storage, normalizer Normalizer, cfg Config) *Service {
	if cfg.Cost <= 0 {
		cfg.Cost = 1
	}
	if cfg.Bypass == nil {
		cfg.Bypass = func(string) bool { return false }
	}
	return &Service{
		ledger:     ledger,
		generator:  generator,
		store:      store,
		normalizer: normalizer,
		cfg:        cfg,
	}
}

// TryOn reserves the cost, renders, stores the result and settles the hold.
func (s *Service) TryOn(ctx context.Context, req Request) (res *Result, err error) {
	defer func() { metrics.TryOnRendersTotal.WithLabelValues(outcome(err)).Inc() }()

	if strings.TrimSpace(req.UserID) == "" {
		return nil, billing.ErrInvalidUserID
	}
	if validator.ValidateVar(req.RequestID, "required,idempotency_key") != nil {
		return nil, ErrInvalidRequest
	}
	if req.Category == "" {
		req.Category = render.CategoryUpperBody
	}
	if !render.ValidCategory(req.Category) {
		return nil, ErrInvalidCategory
	}

	// Bad uploads are rejected before anything is charged.
	userImage, err := s.normalize(req.UserImage, "user_image")
	if err != nil {
		return nil, err
	}
	clothingImage, err := s.normalize(req.ClothingImage, "clothing_image")
	if err != nil {
		return nil, err
	}

	bypass := s.cfg.Bypass(req.UserID)
	var account *billing.BillingAccount
	if !bypass {
		account, err = s.reserve(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	result, err := s.generator.Render(ctx, render.Request{
		RequestID:     req.RequestID,
		Category:      req.Category,
		UserImage:     render.InlineImage{MimeType: userImage.ContentType, Data: userImage.Data},
		GarmentImages: []render.InlineImage{{MimeType: clothingImage.ContentType, Data: clothingImage.Data}},
		Metadata:      req.Metadata,
	})
	if err != nil {
		if errors.Is(err, render.ErrContentRejected) {
			if !bypass {
				s.chargeRejection(ctx, req)
			}
			return nil, fmt.Errorf("%w: %w", ErrContentRejected, err)
		}
		logger.FromContext(ctx).Error().Err(err).Str("user_id", req.UserID).Str("request_id", req.RequestID).Msg("render failed, hold left in place")
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}

	ext := "jpg"
	if result.Image.MimeType == "image/png" {
		ext = "png"
	}
	key := storage.ResultKey(req.UserID, req.RequestID, ext)
	if err := s.store.Put(ctx, key, bytes.NewReader(result.Image.Data), result.Image.MimeType); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("user_id", req.UserID).Str("request_id", req.RequestID).Msg("failed to store render result, hold left in place")
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}

	if !bypass {
		status, err := s.ledger.FinalizeDebit(ctx, req.RequestID)
		if err != nil {
			return nil, err
		}
		if status != billing.FinalizeStatusFinalized {
			logger.FromContext(ctx).Warn().Str("request_id", req.RequestID).Str("status", string(status)).Msg("finalize found no hold")
		}
	}

	logger.FromContext(ctx).Info().
		Str("user_id", req.UserID).
		Str("request_id", req.RequestID).
		Str("category", req.Category).
		Bool("charged", !bypass).
		Msg("try-on completed")

	return &Result{
		RequestID:   req.RequestID,
		ImageURL:    s.store.GetURL(key),
		ContentType: result.Image.MimeType,
		Charged:     !bypass,
		Account:     account,
	}, nil
}

// reserve grants the trial when eligible and places the hold. A retry of a
// held request by the same user is allowed through to render again.
func (s *Service) reserve(ctx context.Context, req Request) (*billing.BillingAccount, error) {
	if req.EmailVerified && s.cfg.TrialCredits > 0 {
		account, err := s.ledger.GetOrCreate(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if !account.TrialUsed {
			if _, err := s.ledger.GrantFreeTrialOnce(ctx, req.UserID, s.cfg.TrialCredits); err != nil {
				return nil, err
			}
		}
	}

	held, err := s.ledger.CreateHold(ctx, req.UserID, req.RequestID, s.cfg.Cost, holdReason)
	if err != nil {
		return nil, err
	}
	if held.AlreadyExisted {
		if held.Hold.UserID != req.UserID {
			return nil, ErrRequestConflict
		}
		if held.Hold.Status == billing.HoldStatusFinalized {
			return nil, ErrAlreadyCompleted
		}
	}
	return held.Account, nil
}

// chargeRejection consumes the hold and applies the configured penalty. A
// penalty the balance cannot cover is logged and dropped.
func (s *Service) chargeRejection(ctx context.Context, req Request) {
	if _, err := s.ledger.FinalizeDebit(ctx, req.RequestID); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("request_id", req.RequestID).Msg("failed to finalize rejected render")
	}
	if s.cfg.ContentBlockPenalty <= 0 {
		return
	}

	_, err := s.ledger.ApplyContentBlockPenalty(ctx, req.UserID, req.RequestID, s.cfg.ContentBlockPenalty)
	switch {
	case err == nil:
	case billing.IsPaymentRequired(err):
		logger.FromContext(ctx).Warn().Err(err).Str("user_id", req.UserID).Str("request_id", req.RequestID).Int("amount", s.cfg.ContentBlockPenalty).Msg("content block penalty not covered")
	default:
		logger.FromContext(ctx).Error().Err(err).Str("user_id", req.UserID).Str("request_id", req.RequestID).Msg("failed to apply content block penalty")
	}
}

func (s *Service) normalize(data []byte, field string) (*imaging.Image, error) {
	img, err := s.normalizer.Normalize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidImage, field, err)
	}
	return img, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case billing.IsPaymentRequired(err):
		return "payment_required"
	case errors.Is(err, ErrContentRejected):
		return "content_rejected"
	case errors.Is(err, ErrRenderFailed):
		return "render_failed"
	case errors.Is(err, ErrRequestConflict), errors.Is(err, ErrAlreadyCompleted):
		return "conflict"
	case errors.Is(err, ErrInvalidImage), errors.Is(err, ErrInvalidCategory), errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
