package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/changeroom/changeroom-api/internal/pkg/metrics"
	"github.com/changeroom/changeroom-api/internal/pkg/response"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret  string
	service *Service
	events  EventRepository
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, service *Service, events EventRepository) *WebhookHandler {
	return &WebhookHandler{
		secret:  secret,
		service: service,
		events:  events,
	}
}

type webhookReceived struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// ServeHTTP verifies the Stripe signature and dispatches the event. Events are
// recorded only after they were applied, so failed deliveries are retried.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		response.Error(w, status, "NOT_CONFIGURED", "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		response.BadRequest(w, "failed to read request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		response.BadRequest(w, "missing Stripe signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		response.BadRequest(w, "invalid Stripe signature")
		return
	}
	eventType = string(event.Type)

	processed, err := h.events.IsProcessed(r.Context(), event.ID)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Stripe webhook dedupe lookup failed")
		status = http.StatusInternalServerError
		response.InternalError(w)
		return
	}
	if processed {
		log.Info().Str("event_id", event.ID).Str("type", eventType).Msg("Stripe webhook duplicate ignored")
		response.OK(w, webhookReceived{Received: true, Duplicate: true})
		return
	}

	if err := h.handleEvent(r.Context(), &event); err != nil {
		if !errors.Is(err, ErrUnresolvable) {
			log.Error().Err(err).
				Str("event_id", event.ID).
				Str("type", eventType).
				Msg("Stripe webhook processing failed")
			status = http.StatusInternalServerError
			response.InternalError(w)
			return
		}
		// Retrying cannot fix these; acknowledge and leave a trail.
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook dropped")
	}

	if err := h.events.MarkProcessed(r.Context(), event.ID, eventType); err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("Stripe webhook applied but not recorded")
	}

	response.OK(w, webhookReceived{Received: true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("%w: decode checkout.session: %w", ErrUnresolvable, err)
		}
		return h.service.HandleCheckoutCompleted(ctx, session)

	case "invoice.paid":
		var invoice Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("%w: decode invoice: %w", ErrUnresolvable, err)
		}
		return h.service.HandleInvoicePaid(ctx, invoice)

	case "invoice.payment_failed":
		var invoice Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("%w: decode invoice: %w", ErrUnresolvable, err)
		}
		return h.service.HandleInvoicePaymentFailed(ctx, invoice)

	case "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: decode subscription: %w", ErrUnresolvable, err)
		}
		return h.service.HandleSubscriptionUpdated(ctx, sub)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: decode subscription: %w", ErrUnresolvable, err)
		}
		return h.service.HandleSubscriptionDeleted(ctx, sub)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}
