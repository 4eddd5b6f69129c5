package payment

import (
	"strings"
	"time"

	"github.com/changeroom/changeroom-api/internal/domain/billing"
)

// Catalog maps provider price ids onto ledger quantities.
type Catalog struct {
	// CreditPacks maps one-off price ids to the credits they buy.
	CreditPacks map[string]int
	// PlanPrices maps subscription price ids to plans.
	PlanPrices map[string]billing.Plan
	// Allowances is the monthly credit allowance per plan.
	Allowances map[billing.Plan]int
}

func (c Catalog) CreditsForPrice(priceID string) (int, bool) {
	credits, ok := c.CreditPacks[strings.TrimSpace(priceID)]
	return credits, ok && credits > 0
}

func (c Catalog) PlanForPrice(priceID string) (billing.Plan, bool) {
	plan, ok := c.PlanPrices[strings.TrimSpace(priceID)]
	return plan, ok
}

func (c Catalog) Allowance(plan billing.Plan) int {
	return c.Allowances[plan]
}

// CheckoutSession is a minimal representation of a Stripe checkout.session object.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	PaymentIntent     string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// UserID returns the user the session was opened for.
func (s CheckoutSession) UserID() string {
	if id := strings.TrimSpace(s.ClientReferenceID); id != "" {
		return id
	}
	return strings.TrimSpace(s.Metadata["user_id"])
}

// GrantKey is the idempotency key for credits bought through this session.
// The webhook and the verify endpoint must derive the same key.
func (s CheckoutSession) GrantKey() string {
	if pi := strings.TrimSpace(s.PaymentIntent); pi != "" {
		return pi
	}
	return s.ID
}

// Invoice is a minimal representation of a Stripe invoice. Subscription and
// price ids are read from both the legacy and the parent/pricing layouts.
type Invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	BillingReason string `json:"billing_reason"`
	Subscription  string `json:"subscription"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing struct {
				PriceDetails struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

func (i Invoice) SubscriptionID() string {
	if id := strings.TrimSpace(i.Subscription); id != "" {
		return id
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}

func (i Invoice) UserIDHint() string {
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Metadata["user_id"])
}

// PriceID returns the first price found on the invoice lines.
func (i Invoice) PriceID() string {
	for _, line := range i.Lines.Data {
		if id := strings.TrimSpace(line.Pricing.PriceDetails.Price); id != "" {
			return id
		}
		if id := strings.TrimSpace(line.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

// PeriodEnd is the latest line period end, or zero.
func (i Invoice) PeriodEnd() time.Time {
	var end int64
	for _, line := range i.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// VerifyResult is returned by the checkout verify endpoint.
type VerifyResult struct {
	Account *billing.BillingAccount
	Credits int
	Applied bool
}
