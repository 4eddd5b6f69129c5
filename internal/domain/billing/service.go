package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/changeroom/changeroom-api/internal/pkg/metrics"
)

// Service is the ledger entry point used by the HTTP layer, the payment
// webhooks and the try-on flow. It validates input and delegates every state
// change to a single Repository call.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetOrCreate(ctx context.Context, userID string) (*BillingAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}
	return s.repo.GetOrCreate(ctx, userID)
}

func (s *Service) GetByCustomerRef(ctx context.Context, customerRef string) (*BillingAccount, error) {
	if customerRef == "" {
		return nil, ErrAccountNotFound
	}
	return s.repo.GetByCustomerRef(ctx, customerRef)
}

// CreateHold reserves amount credits for requestID. Replaying a request id
// returns the original hold with AlreadyExisted set and moves nothing.
func (s *Service) CreateHold(ctx context.Context, userID, requestID string, amount int, reason string) (*HoldResult, error) {
	if err := validate(userID, requestID, amount); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.repo.CreateHold(ctx, userID, requestID, amount, reason)
	observe("create_hold", start, err)
	if err != nil {
		logSpendFailure(err, "create hold", userID, requestID, amount)
		return nil, err
	}

	if result.AlreadyExisted {
		log.Info().Str("user_id", userID).Str("request_id", requestID).Msg("credit hold replayed")
		return result, nil
	}

	metrics.CreditsMovedTotal.WithLabelValues("debit").Add(float64(amount))
	log.Info().Str("user_id", userID).Str("request_id", requestID).Int("amount", amount).
		Int("credits_available", result.Account.CreditsAvailable).Str("reason", reason).Msg("credit hold created")
	return result, nil
}

// FinalizeDebit marks a hold consumed. A missing hold is reported as
// FinalizeStatusNotFound, not as an error.
func (s *Service) FinalizeDebit(ctx context.Context, requestID string) (FinalizeStatus, error) {
	if strings.TrimSpace(requestID) == "" {
		return "", ErrInvalidKey
	}

	start := time.Now()
	status, err := s.repo.FinalizeHold(ctx, requestID)
	observe("finalize_debit", start, err)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("finalize hold failed")
		return "", err
	}

	log.Debug().Str("request_id", requestID).Str("status", string(status)).Msg("credit hold finalized")
	return status, nil
}

func (s *Service) GetHold(ctx context.Context, requestID string) (*CreditHold, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, ErrInvalidKey
	}
	return s.repo.GetHold(ctx, requestID)
}

// GrantFreeTrialOnce credits amount the first time it is called for a user.
func (s *Service) GrantFreeTrialOnce(ctx context.Context, userID string, amount int) (*TrialResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	start := time.Now()
	result, err := s.repo.GrantTrial(ctx, userID, amount)
	observe("grant_trial", start, err)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("grant trial failed")
		return nil, err
	}

	if result.Granted {
		metrics.CreditsMovedTotal.WithLabelValues("credit").Add(float64(amount))
		log.Info().Str("user_id", userID).Int("amount", amount).Msg("free trial granted")
	}
	return result, nil
}

// GrantCredits adds amount credits once per externalKey.
func (s *Service) GrantCredits(ctx context.Context, userID string, amount int, meta GrantMetadata, externalKey string) (*GrantResult, error) {
	if err := validate(userID, externalKey, amount); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.repo.Grant(ctx, userID, amount, meta, externalKey)
	observe("grant_credits", start, err)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("key", externalKey).Msg("grant credits failed")
		return nil, err
	}

	if !result.Applied {
		log.Info().Str("user_id", userID).Str("key", externalKey).Msg("credit grant already applied")
		return result, nil
	}

	metrics.CreditsMovedTotal.WithLabelValues("credit").Add(float64(amount))
	log.Info().Str("user_id", userID).Int("amount", amount).Str("key", externalKey).
		Str("source", meta.Source).Msg("credits granted")
	return result, nil
}

// ApplyContentBlockPenalty debits amount from the paid balance once per
// requestID. It never grants the trial.
func (s *Service) ApplyContentBlockPenalty(ctx context.Context, userID, requestID string, amount int) (*PenaltyResult, error) {
	if err := validate(userID, requestID, amount); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.repo.Penalize(ctx, userID, requestID, amount)
	observe("apply_penalty", start, err)
	if err != nil {
		logSpendFailure(err, "apply penalty", userID, requestID, amount)
		return nil, err
	}

	if !result.Replayed {
		metrics.CreditsMovedTotal.WithLabelValues("debit").Add(float64(amount))
		log.Info().Str("user_id", userID).Str("request_id", requestID).Int("amount", amount).Msg("content block penalty applied")
	}
	return result, nil
}

func (s *Service) SetFrozen(ctx context.Context, userID string, frozen bool) (*BillingAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}

	start := time.Now()
	account, err := s.repo.SetFrozen(ctx, userID, frozen)
	observe("set_frozen", start, err)
	if err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Bool("frozen", frozen).Msg("account freeze updated")
	return account, nil
}

// UpdatePlan mirrors the provider's plan. Nil refs leave the stored refs untouched.
func (s *Service) UpdatePlan(ctx context.Context, userID string, plan Plan, customerRef, subscriptionRef *string) (*BillingAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}
	if _, err := ParsePlan(string(plan)); err != nil {
		return nil, err
	}

	start := time.Now()
	account, err := s.repo.UpdatePlan(ctx, userID, plan, customerRef, subscriptionRef)
	observe("update_plan", start, err)
	if err != nil {
		if errors.Is(err, ErrCustomerRefInUse) {
			log.Warn().Str("user_id", userID).Msg("payment customer already linked elsewhere")
		}
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("plan", string(plan)).Msg("plan updated")
	return account, nil
}

// UpdateCreditsFromProvider applies a provider-side balance change once per
// key. With absolute set, delta is the new balance.
func (s *Service) UpdateCreditsFromProvider(ctx context.Context, userID string, delta int, absolute bool, key string) (*AdjustResult, error) {
	mode := AdjustDelta
	if absolute {
		mode = AdjustAbsolute
	}
	return s.adjust(ctx, userID, Adjustment{Mode: mode, Amount: delta, Key: key})
}

// ApplyAllowance raises the balance to a plan allowance for one billing
// period, keyed by the provider invoice. Credits above the allowance are kept.
func (s *Service) ApplyAllowance(ctx context.Context, userID string, allowance int, invoiceID string) (*AdjustResult, error) {
	if allowance <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.adjust(ctx, userID, Adjustment{Mode: AdjustTopUp, Amount: allowance, Key: invoiceID})
}

func (s *Service) adjust(ctx context.Context, userID string, adj Adjustment) (*AdjustResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}
	if strings.TrimSpace(adj.Key) == "" {
		return nil, ErrInvalidKey
	}
	if adj.Mode != AdjustDelta && adj.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	start := time.Now()
	result, err := s.repo.AdjustCredits(ctx, userID, adj)
	observe("update_credits", start, err)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("key", adj.Key).Str("mode", string(adj.Mode)).
			Int("amount", adj.Amount).Msg("provider credit update failed")
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("key", adj.Key).Str("mode", string(adj.Mode)).Int("amount", adj.Amount).
		Bool("applied", result.Applied).Int("credits_available", result.Account.CreditsAvailable).
		Msg("credits updated from provider")
	return result, nil
}

func (s *Service) SetRefreshAt(ctx context.Context, userID string, at time.Time) (*BillingAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}
	return s.repo.SetRefreshAt(ctx, userID, at)
}

// RefreshDue tops up due accounts on plan to allowance and schedules the next refresh.
func (s *Service) RefreshDue(ctx context.Context, plan Plan, allowance int, now, next time.Time) (int64, error) {
	if allowance <= 0 {
		return 0, ErrInvalidAmount
	}

	start := time.Now()
	n, err := s.repo.RefreshDue(ctx, plan, allowance, now, next)
	observe("refresh_due", start, err)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		metrics.CreditRefreshAccountsTotal.WithLabelValues(string(plan)).Add(float64(n))
		log.Info().Str("plan", string(plan)).Int("allowance", allowance).Int64("accounts", n).Msg("monthly credits refreshed")
	}
	return n, nil
}

func (s *Service) ListEntries(ctx context.Context, userID string, limit, offset int) ([]LedgerEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUserID
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListEntries(ctx, userID, limit, offset)
}

func validate(userID, key string, amount int) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func observe(operation string, start time.Time, err error) {
	metrics.LedgerOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.LedgerOperationsTotal.WithLabelValues(operation, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrAccountFrozen):
		return "account_frozen"
	case errors.Is(err, ErrCustomerRefInUse):
		return "conflict"
	default:
		return "error"
	}
}

func logSpendFailure(err error, op, userID, requestID string, amount int) {
	if IsPaymentRequired(err) {
		log.Info().Err(err).Str("user_id", userID).Str("request_id", requestID).Int("amount", amount).Msg(op + " rejected")
		return
	}
	log.Error().Err(err).Str("user_id", userID).Str("request_id", requestID).Msg(op + " failed")
}
