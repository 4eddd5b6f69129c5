package billing

import (
	"strings"
	"time"
)

// Plan mirrors the payment provider's subscription tier.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
)

// ParsePlan normalizes a plan name and rejects unknown tiers.
func ParsePlan(s string) (Plan, error) {
	switch p := Plan(strings.ToLower(strings.TrimSpace(s))); p {
	case PlanFree, PlanStandard, PlanPro:
		return p, nil
	default:
		return "", ErrInvalidPlan
	}
}

// ParseAllowances converts configured plan names to plans. Unknown names and
// non-positive allowances are returned in skipped.
func ParseAllowances(raw map[string]int) (allowances map[Plan]int, skipped []string) {
	allowances = make(map[Plan]int, len(raw))
	for name, credits := range raw {
		plan, err := ParsePlan(name)
		if err != nil || credits <= 0 {
			skipped = append(skipped, name)
			continue
		}
		allowances[plan] = credits
	}
	return allowances, skipped
}

// BillingAccount is the single persisted balance row per user.
type BillingAccount struct {
	UserID                 string     `db:"user_id" json:"user_id"`
	Plan                   Plan       `db:"plan" json:"plan"`
	CreditsAvailable       int        `db:"credits_available" json:"credits_available"`
	CreditsRefreshAt       *time.Time `db:"credits_refresh_at" json:"credits_refresh_at,omitempty"`
	TrialUsed              bool       `db:"trial_used" json:"trial_used"`
	IsFrozen               bool       `db:"is_frozen" json:"is_frozen"`
	PaymentCustomerRef     *string    `db:"payment_customer_ref" json:"-"`
	PaymentSubscriptionRef *string    `db:"payment_subscription_ref" json:"-"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updated_at"`
}

type HoldStatus string

const (
	HoldStatusHeld      HoldStatus = "held"
	HoldStatusFinalized HoldStatus = "finalized"
)

// CreditHold is a reservation keyed by the caller's request id. The balance is
// debited when the hold is created; finalizing only records consumption.
type CreditHold struct {
	RequestID   string     `db:"request_id" json:"request_id"`
	UserID      string     `db:"user_id" json:"user_id"`
	Amount      int        `db:"amount" json:"amount"`
	Reason      string     `db:"reason" json:"reason"`
	Status      HoldStatus `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	FinalizedAt *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
}

// FinalizeStatus is the outcome of FinalizeDebit.
type FinalizeStatus string

const (
	FinalizeStatusFinalized FinalizeStatus = "finalized"
	FinalizeStatusNotFound  FinalizeStatus = "not_found"
)

// EntryKind scopes idempotency keys: a key is unique per kind only.
type EntryKind string

const (
	EntryKindHoldDebit          EntryKind = "hold_debit"
	EntryKindTrialGrant         EntryKind = "trial_grant"
	EntryKindGrant              EntryKind = "grant"
	EntryKindPenalty            EntryKind = "penalty"
	EntryKindProviderAdjustment EntryKind = "provider_adjustment"
)

// LedgerEntry is an append-only record of a balance change.
type LedgerEntry struct {
	ID             string    `db:"id" json:"id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Kind           EntryKind `db:"kind" json:"kind"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	AmountDelta    int       `db:"amount_delta" json:"amount_delta"`
	Source         string    `db:"source" json:"source"`
	Reason         string    `db:"reason" json:"reason"`
	Metadata       string    `db:"metadata" json:"metadata"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// GrantMetadata describes where granted credits came from.
type GrantMetadata struct {
	Source     string            `json:"source"`
	Reason     string            `json:"reason"`
	References map[string]string `json:"references,omitempty"`
}

type HoldResult struct {
	Account        *BillingAccount
	Hold           *CreditHold
	AlreadyExisted bool
}

type TrialResult struct {
	Account *BillingAccount
	Granted bool
}

type GrantResult struct {
	Account *BillingAccount
	// Applied is false when the idempotency key had already been used.
	Applied bool
}

type PenaltyResult struct {
	Account  *BillingAccount
	Charged  bool
	Replayed bool
}

// AdjustMode selects how a provider adjustment moves the balance.
type AdjustMode string

const (
	// AdjustDelta adds Amount, which may be negative; the balance never drops below zero.
	AdjustDelta AdjustMode = "delta"
	// AdjustAbsolute sets the balance to Amount.
	AdjustAbsolute AdjustMode = "absolute"
	// AdjustTopUp raises the balance to Amount and never lowers it.
	AdjustTopUp AdjustMode = "top_up"
)

// Adjustment is a provider-driven balance change keyed by the provider object
// that caused it (an invoice id, for example).
type Adjustment struct {
	Mode   AdjustMode
	Amount int
	Key    string
}

type AdjustResult struct {
	Account *BillingAccount
	// Applied is false when an adjustment with the same key was already recorded.
	Applied bool
}
