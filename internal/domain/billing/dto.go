package billing

import "time"

// AccountResponse is the caller-facing view of a BillingAccount.
type AccountResponse struct {
	Plan             Plan       `json:"plan"`
	CreditsAvailable int        `json:"credits_available"`
	CreditsRefreshAt *time.Time `json:"credits_refresh_at,omitempty"`
	TrialUsed        bool       `json:"trial_used"`
	IsFrozen         bool       `json:"is_frozen"`
	HasSubscription  bool       `json:"has_subscription"`
}

func AccountResponseFrom(a *BillingAccount) AccountResponse {
	return AccountResponse{
		Plan:             a.Plan,
		CreditsAvailable: a.CreditsAvailable,
		CreditsRefreshAt: a.CreditsRefreshAt,
		TrialUsed:        a.TrialUsed,
		IsFrozen:         a.IsFrozen,
		HasSubscription:  a.PaymentSubscriptionRef != nil && *a.PaymentSubscriptionRef != "",
	}
}

type FinalizeResponse struct {
	RequestID string         `json:"request_id"`
	Status    FinalizeStatus `json:"status"`
}

type LedgerResponse struct {
	Entries []LedgerEntry `json:"entries"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}
