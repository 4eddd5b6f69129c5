package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/changeroom/changeroom-api/internal/domain/billing"
	"github.com/changeroom/changeroom-api/internal/pkg/database"
)

const testSecret = "whsec_test_secret"

var testCatalog = Catalog{
	CreditPacks: map[string]int{"price_pack_10": 10},
	PlanPrices:  map[string]billing.Plan{"price_standard": billing.PlanStandard, "price_pro": billing.PlanPro},
	Allowances:  map[billing.Plan]int{billing.PlanStandard: 50, billing.PlanPro: 200},
}

type testEnv struct {
	ledger  *billing.Service
	service *Service
	handler *WebhookHandler
	events  EventRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "payment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := billing.NewService(billing.NewRepository(db))
	svc := NewService(ledger, testCatalog, "sk_test_123")
	events := NewEventRepository(db)
	return &testEnv{
		ledger:  ledger,
		service: svc,
		handler: NewWebhookHandler(testSecret, svc, events),
		events:  events,
	}
}

func (e *testEnv) deliver(t *testing.T, eventID, eventType string, object interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, eventPayload(t, eventID, eventType, object)))
	return rec
}

func (e *testEnv) balance(t *testing.T, userID string) *billing.BillingAccount {
	t.Helper()
	account, err := e.ledger.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	return account
}

func eventPayload(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data":   map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func signedWebhookRequest(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func paidPackSession(id, userID, paymentIntent string) map[string]interface{} {
	return map[string]interface{}{
		"id":                  id,
		"object":              "checkout.session",
		"mode":                "payment",
		"status":              "complete",
		"payment_status":      "paid",
		"payment_intent":      paymentIntent,
		"client_reference_id": userID,
		"metadata":            map[string]string{"price_id": "price_pack_10"},
	}
}

func TestWebhookCheckoutGrantsOnce(t *testing.T) {
	env := newTestEnv(t)
	session := paidPackSession("cs_1", "user-1", "pi_1")

	rec := env.deliver(t, "evt_1", "checkout.session.completed", session)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 10, env.balance(t, "user-1").CreditsAvailable)

	// same event redelivered
	rec = env.deliver(t, "evt_1", "checkout.session.completed", session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)

	// a different event carrying the same payment
	rec = env.deliver(t, "evt_2", "checkout.session.async_payment_succeeded", session)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 10, env.balance(t, "user-1").CreditsAvailable)
}

func TestWebhookCheckoutWaitsForAsyncPayment(t *testing.T) {
	env := newTestEnv(t)
	session := paidPackSession("cs_1", "user-1", "pi_1")
	session["payment_status"] = "unpaid"

	rec := env.deliver(t, "evt_1", "checkout.session.completed", session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.balance(t, "user-1").CreditsAvailable)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	req := signedWebhookRequest(t, "whsec_other", eventPayload(t, "evt_1", "checkout.session.completed", paidPackSession("cs_1", "user-1", "pi_1")))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.balance(t, "user-1").CreditsAvailable)
}

func TestWebhookMissingSecretIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	handler := NewWebhookHandler("", env.service, env.events)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, eventPayload(t, "evt_1", "invoice.paid", map[string]string{})))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookUnknownPriceIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	session := paidPackSession("cs_1", "user-1", "pi_1")
	session["metadata"] = map[string]string{"price_id": "price_unknown"}

	rec := env.deliver(t, "evt_1", "checkout.session.completed", session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.balance(t, "user-1").CreditsAvailable)

	processed, err := env.events.IsProcessed(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	periodEnd := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)

	rec := env.deliver(t, "evt_checkout", "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_sub",
		"mode":                "subscription",
		"status":              "complete",
		"payment_status":      "paid",
		"customer":            "cus_1",
		"subscription":        "sub_1",
		"client_reference_id": "user-1",
		"metadata":            map[string]string{"price_id": "price_standard"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, billing.PlanStandard, env.balance(t, "user-1").Plan)

	invoice := map[string]interface{}{
		"id":             "in_1",
		"customer":       "cus_1",
		"billing_reason": "subscription_cycle",
		"parent": map[string]interface{}{
			"subscription_details": map[string]interface{}{"subscription": "sub_1"},
		},
		"lines": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{
					"period":  map[string]interface{}{"end": periodEnd.Unix()},
					"pricing": map[string]interface{}{"price_details": map[string]string{"price": "price_pro"}},
				},
			},
		},
	}

	rec = env.deliver(t, "evt_failed", "invoice.payment_failed", invoice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.balance(t, "user-1").IsFrozen)

	rec = env.deliver(t, "evt_paid", "invoice.paid", invoice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	account := env.balance(t, "user-1")
	assert.False(t, account.IsFrozen)
	assert.Equal(t, billing.PlanPro, account.Plan)
	assert.Equal(t, 200, account.CreditsAvailable)
	require.NotNil(t, account.CreditsRefreshAt)
	assert.True(t, account.CreditsRefreshAt.Equal(periodEnd))

	rec = env.deliver(t, "evt_deleted", "customer.subscription.deleted", map[string]interface{}{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "canceled",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billing.PlanFree, env.balance(t, "user-1").Plan)
}

func TestWebhookSubscriptionUpdatedChangesPlan(t *testing.T) {
	env := newTestEnv(t)
	customer := "cus_2"
	_, err := env.ledger.UpdatePlan(context.Background(), "user-2", billing.PlanStandard, &customer, nil)
	require.NoError(t, err)

	rec := env.deliver(t, "evt_up", "customer.subscription.updated", map[string]interface{}{
		"id":       "sub_2",
		"customer": customer,
		"status":   "active",
		"items": map[string]interface{}{
			"data": []interface{}{map[string]interface{}{"price": map[string]string{"id": "price_pro"}}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, billing.PlanPro, env.balance(t, "user-2").Plan)
}

func TestWebhookUnhandledTypeIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	rec := env.deliver(t, "evt_x", "charge.refunded", map[string]string{"id": "ch_1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
