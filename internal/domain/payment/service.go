package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/changeroom/changeroom-api/internal/domain/billing"
)

// Ledger is the slice of the billing service that provider events drive.
type Ledger interface {
	GetOrCreate(ctx context.Context, userID string) (*billing.BillingAccount, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*billing.BillingAccount, error)
	GrantCredits(ctx context.Context, userID string, amount int, meta billing.GrantMetadata, externalKey string) (*billing.GrantResult, error)
	UpdatePlan(ctx context.Context, userID string, plan billing.Plan, customerRef, subscriptionRef *string) (*billing.BillingAccount, error)
	SetFrozen(ctx context.Context, userID string, frozen bool) (*billing.BillingAccount, error)
	ApplyAllowance(ctx context.Context, userID string, allowance int, invoiceID string) (*billing.AdjustResult, error)
	SetRefreshAt(ctx context.Context, userID string, at time.Time) (*billing.BillingAccount, error)
}

// Service applies Stripe checkout, invoice and subscription state to the ledger.
type Service struct {
	ledger  Ledger
	catalog Catalog
	apiKey  string

	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getCheckoutSession    func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func NewService(ledger Ledger, catalog Catalog, apiKey string) *Service {
	return &Service{
		ledger:                ledger,
		catalog:               catalog,
		apiKey:                strings.TrimSpace(apiKey),
		createCheckoutSession: stripesession.New,
		getCheckoutSession:    stripesession.Get,
	}
}

// CheckoutRequest describes a checkout the caller wants to open.
type CheckoutRequest struct {
	UserID     string
	Email      string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CreateCheckout opens a Stripe checkout for a credit pack or a plan and
// returns the hosted page URL. The session carries the user id so both the
// webhook and the verify endpoint can attribute it.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	if s.apiKey == "" {
		return "", ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("price_id", req.PriceID)

	if _, ok := s.catalog.CreditsForPrice(req.PriceID); ok {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
	} else if _, ok := s.catalog.PlanForPrice(req.PriceID); ok {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": req.UserID},
		}
	} else {
		return "", ErrUnknownPrice
	}

	account, err := s.ledger.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if account.PaymentCustomerRef != nil && *account.PaymentCustomerRef != "" {
		params.Customer = stripe.String(*account.PaymentCustomerRef)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}

	stripe.Key = s.apiKey
	session, err := s.createCheckoutSession(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	log.Info().Str("user_id", req.UserID).Str("price_id", req.PriceID).Str("session_id", session.ID).Msg("checkout session created")
	return session.URL, nil
}

// VerifyCheckout looks the session up at Stripe and grants its credits. It
// races safely with the webhook because both use the session's grant key.
func (s *Service) VerifyCheckout(ctx context.Context, userID, sessionID string) (*VerifyResult, error) {
	if s.apiKey == "" {
		return nil, ErrNotConfigured
	}

	stripe.Key = s.apiKey
	raw, err := s.getCheckoutSession(sessionID, nil)
	if err != nil || raw == nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("checkout session lookup failed")
		return nil, ErrSessionLookup
	}

	session := sessionFromStripe(raw)
	if session.UserID() != userID {
		return nil, ErrSessionNotOwned
	}
	if session.Mode != string(stripe.CheckoutSessionModePayment) || session.PaymentStatus != string(stripe.CheckoutSessionPaymentStatusPaid) {
		return nil, ErrSessionNotPaid
	}

	return s.grantCheckout(ctx, userID, session)
}

// HandleCheckoutCompleted handles checkout.session.completed and
// checkout.session.async_payment_succeeded.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, session CheckoutSession) error {
	userID, err := s.resolveUser(ctx, session.UserID(), session.Customer)
	if err != nil {
		return err
	}

	switch session.Mode {
	case string(stripe.CheckoutSessionModePayment):
		if session.PaymentStatus != string(stripe.CheckoutSessionPaymentStatusPaid) {
			log.Info().Str("session_id", session.ID).Str("payment_status", session.PaymentStatus).Msg("checkout not paid yet, waiting for async payment")
			return nil
		}
		_, err := s.grantCheckout(ctx, userID, session)
		return err

	case string(stripe.CheckoutSessionModeSubscription):
		priceID := session.Metadata["price_id"]
		plan, ok := s.catalog.PlanForPrice(priceID)
		if !ok {
			return fmt.Errorf("%w: %w: %s", ErrUnresolvable, ErrUnknownPrice, priceID)
		}
		_, err := s.ledger.UpdatePlan(ctx, userID, plan, optional(session.Customer), optional(session.Subscription))
		return classify(err)

	default:
		log.Info().Str("session_id", session.ID).Str("mode", session.Mode).Msg("checkout mode ignored")
		return nil
	}
}

// HandleInvoicePaid unfreezes the account and, for subscription invoices,
// tops the balance up to the plan allowance and schedules the next refresh.
// Every step is safe to repeat: the allowance is keyed by invoice id, so a
// redelivery after a partial failure does not hand back credits spent since.
func (s *Service) HandleInvoicePaid(ctx context.Context, invoice Invoice) error {
	userID, err := s.resolveUser(ctx, invoice.UserIDHint(), invoice.Customer)
	if err != nil {
		return err
	}

	if _, err := s.ledger.SetFrozen(ctx, userID, false); err != nil {
		return err
	}

	subscriptionID := invoice.SubscriptionID()
	if subscriptionID == "" {
		return nil
	}

	priceID := invoice.PriceID()
	plan, ok := s.catalog.PlanForPrice(priceID)
	if !ok {
		log.Warn().Str("invoice_id", invoice.ID).Str("price_id", priceID).Msg("invoice price not in plan catalog, allowance not applied")
		return nil
	}

	if _, err := s.ledger.UpdatePlan(ctx, userID, plan, optional(invoice.Customer), optional(subscriptionID)); err != nil {
		return classify(err)
	}

	if allowance := s.catalog.Allowance(plan); allowance > 0 {
		if _, err := s.ledger.ApplyAllowance(ctx, userID, allowance, invoice.ID); err != nil {
			return err
		}
	}

	if end := invoice.PeriodEnd(); !end.IsZero() {
		if _, err := s.ledger.SetRefreshAt(ctx, userID, end); err != nil {
			return err
		}
	}
	return nil
}

// HandleInvoicePaymentFailed freezes spending until a later invoice is paid.
func (s *Service) HandleInvoicePaymentFailed(ctx context.Context, invoice Invoice) error {
	userID, err := s.resolveUser(ctx, invoice.UserIDHint(), invoice.Customer)
	if err != nil {
		return err
	}
	_, err = s.ledger.SetFrozen(ctx, userID, true)
	return err
}

func (s *Service) HandleSubscriptionUpdated(ctx context.Context, sub Subscription) error {
	userID, err := s.resolveUser(ctx, sub.Metadata["user_id"], sub.Customer)
	if err != nil {
		return err
	}

	plan := billing.PlanFree
	switch sub.Status {
	case "active", "trialing", "past_due":
		priceID := sub.FirstPriceID()
		p, ok := s.catalog.PlanForPrice(priceID)
		if !ok {
			return fmt.Errorf("%w: %w: %s", ErrUnresolvable, ErrUnknownPrice, priceID)
		}
		plan = p
	}

	_, err = s.ledger.UpdatePlan(ctx, userID, plan, optional(sub.Customer), optional(sub.ID))
	return classify(err)
}

func (s *Service) HandleSubscriptionDeleted(ctx context.Context, sub Subscription) error {
	userID, err := s.resolveUser(ctx, sub.Metadata["user_id"], sub.Customer)
	if err != nil {
		return err
	}
	_, err = s.ledger.UpdatePlan(ctx, userID, billing.PlanFree, nil, nil)
	return classify(err)
}

func (s *Service) grantCheckout(ctx context.Context, userID string, session CheckoutSession) (*VerifyResult, error) {
	priceID := session.Metadata["price_id"]
	credits, ok := s.catalog.CreditsForPrice(priceID)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrUnresolvable, ErrUnknownPrice, priceID)
	}

	meta := billing.GrantMetadata{
		Source: "stripe",
		Reason: "credit_pack",
		References: map[string]string{
			"session_id":     session.ID,
			"payment_intent": session.PaymentIntent,
			"price_id":       priceID,
		},
	}
	res, err := s.ledger.GrantCredits(ctx, userID, credits, meta, session.GrantKey())
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Account: res.Account, Credits: credits, Applied: res.Applied}, nil
}

// resolveUser prefers an explicit user id and falls back to the customer link.
func (s *Service) resolveUser(ctx context.Context, hint, customerRef string) (string, error) {
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint, nil
	}
	if customerRef = strings.TrimSpace(customerRef); customerRef == "" {
		return "", fmt.Errorf("%w: no user reference", ErrUnresolvable)
	}

	account, err := s.ledger.GetByCustomerRef(ctx, customerRef)
	if err != nil {
		if errors.Is(err, billing.ErrAccountNotFound) {
			return "", fmt.Errorf("%w: unknown customer %s", ErrUnresolvable, customerRef)
		}
		return "", err
	}
	return account.UserID, nil
}

// classify turns permanent ledger rejections into ErrUnresolvable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, billing.ErrCustomerRefInUse) || errors.Is(err, billing.ErrInvalidPlan) {
		return fmt.Errorf("%w: %w", ErrUnresolvable, err)
	}
	return err
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func sessionFromStripe(s *stripe.CheckoutSession) CheckoutSession {
	out := CheckoutSession{
		ID:                s.ID,
		Mode:              string(s.Mode),
		Status:            string(s.Status),
		PaymentStatus:     string(s.PaymentStatus),
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.Customer = s.Customer.ID
	}
	if s.Subscription != nil {
		out.Subscription = s.Subscription.ID
	}
	if s.PaymentIntent != nil {
		out.PaymentIntent = s.PaymentIntent.ID
	}
	return out
}
