package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"keyserve/internal/config"
	"keyserve/internal/license"
)

func newGumroadRequest(values url.Values) *http.Request {
	r := httptest.NewRequest("POST", "/api/webhooks/gumroad", strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestGumroadAdapter(t *testing.T) {
	adapter := NewGumroadAdapter(config.GumroadConfig{SellerID: "seller-123"})
	assert.Equal(t, license.PlatformGumroad, adapter.Platform())

	t.Run("valid ping", func(t *testing.T) {
		r := newGumroadRequest(url.Values{
			"seller_id":  {"seller-123"},
			"sale_id":    {"abc123"},
			"email":      {"buyer@example.com"},
			"full_name":  {"Buyer One"},
			"product_id": {"prod-9"},
		})

		sale, err := adapter.Parse(r)
		require.NoError(t, err)
		assert.Equal(t, license.PlatformGumroad, sale.Platform)
		assert.Equal(t, "abc123", sale.SaleID)
		assert.Equal(t, "buyer@example.com", sale.Email)
		assert.Equal(t, "Buyer One", sale.Name)
		assert.Nil(t, sale.ExpiresAt, "gumroad sales are lifetime")
	})

	t.Run("wrong seller id", func(t *testing.T) {
		r := newGumroadRequest(url.Values{
			"seller_id": {"someone-else"},
			"sale_id":   {"abc123"},
			"email":     {"buyer@example.com"},
		})

		_, err := adapter.Parse(r)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("missing seller id", func(t *testing.T) {
		r := newGumroadRequest(url.Values{
			"sale_id": {"abc123"},
			"email":   {"buyer@example.com"},
		})

		_, err := adapter.Parse(r)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("unconfigured seller rejects everything", func(t *testing.T) {
		empty := NewGumroadAdapter(config.GumroadConfig{})
		r := newGumroadRequest(url.Values{
			"seller_id": {""},
			"sale_id":   {"abc123"},
			"email":     {"buyer@example.com"},
		})

		_, err := empty.Parse(r)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("other product ignored", func(t *testing.T) {
		scoped := NewGumroadAdapter(config.GumroadConfig{SellerID: "seller-123", ProductID: "prod-9"})
		r := newGumroadRequest(url.Values{
			"seller_id":  {"seller-123"},
			"product_id": {"prod-other"},
			"sale_id":    {"abc123"},
			"email":      {"buyer@example.com"},
		})

		_, err := scoped.Parse(r)
		assert.ErrorIs(t, err, ErrEventIgnored)
	})
}

func appSumoSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestAppSumoAdapter(t *testing.T) {
	adapter := NewAppSumoAdapter(config.AppSumoConfig{Secret: "sumo-secret"})
	assert.Equal(t, license.PlatformAppSumo, adapter.Platform())

	body := []byte(`{"action":"activate","plan_id":"tier-2","invoice_item_uuid":"inv-42","activation_email":"sumo@example.com"}`)

	t.Run("valid signature", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/webhooks/appsumo", strings.NewReader(string(body)))
		r.Header.Set("X-Appsumo-Signature", appSumoSign("sumo-secret", body))

		sale, err := adapter.Parse(r)
		require.NoError(t, err)
		assert.Equal(t, "inv-42", sale.SaleID)
		assert.Equal(t, "sumo@example.com", sale.Email)
		assert.Equal(t, "tier-2", sale.ProductID)
		assert.Nil(t, sale.ExpiresAt, "appsumo deals are lifetime")
	})

	t.Run("bad signature", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/webhooks/appsumo", strings.NewReader(string(body)))
		r.Header.Set("X-Appsumo-Signature", appSumoSign("wrong-secret", body))

		_, err := adapter.Parse(r)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("missing signature", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/webhooks/appsumo", strings.NewReader(string(body)))

		_, err := adapter.Parse(r)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("non-activation action ignored", func(t *testing.T) {
		refund := []byte(`{"action":"refund","invoice_item_uuid":"inv-42","activation_email":"sumo@example.com"}`)
		r := httptest.NewRequest("POST", "/api/webhooks/appsumo", strings.NewReader(string(refund)))
		r.Header.Set("X-Appsumo-Signature", appSumoSign("sumo-secret", refund))

		_, err := adapter.Parse(r)
		assert.ErrorIs(t, err, ErrEventIgnored)
	})
}

func stripeSignatureHeader(secret string, body []byte, at time.Time) string {
	sig := webhook.ComputeSignature(at, body, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}

func TestStripeAdapter(t *testing.T) {
	const secret = "whsec_test_secret"
	adapter := NewStripeAdapter(config.StripeConfig{WebhookSecret: secret, TermDays: 365})
	assert.Equal(t, license.PlatformStripe, adapter.Platform())

	checkoutBody := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_123",
			"customer_details": {"email": "stripe@example.com", "name": "Stripe Buyer"},
			"client_reference_id": "order-77",
			"metadata": {"product_id": "pro-plan"}
		}}
	}`)

	t.Run("valid event", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/webhooks/stripe", strings.NewReader(string(checkoutBody)))
		r.Header.Set("Stripe-Signature", stripeSignatureHeader(secret, checkoutBody, time.Now()))

		sale, err := adapter.Parse(r)
		require.NoError(t, err)
		assert.Equal(t, "cs_test_123", sale.SaleID)
		assert.Equal(t, "stripe@example.com", sale.Email)
		assert.Equal(t, "Stripe Buyer", sale.Name)
		assert.Equal(t, "pro-plan", sale.ProductID)
		require.NotNil(t, sale.ExpiresAt, "term-limited licenses carry an expiry")
		assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), *sale.ExpiresAt, time.Minute)
	})

	t.Run("bad signature", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/webhooks/stripe", strings.NewReader(string(checkoutBody)))
		r.Header.Set("Stripe-Signature", stripeSignatureHeader("whsec_other", checkoutBody, time.Now()))

		_, err := adapter.Parse(r)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("other event type ignored", func(t *testing.T) {
		body := []byte(`{"id":"evt_2","type":"invoice.paid","data":{"object":{}}}`)
		r := httptest.NewRequest("POST", "/api/webhooks/stripe", strings.NewReader(string(body)))
		r.Header.Set("Stripe-Signature", stripeSignatureHeader(secret, body, time.Now()))

		_, err := adapter.Parse(r)
		assert.ErrorIs(t, err, ErrEventIgnored)
	})

	t.Run("lifetime when no term configured", func(t *testing.T) {
		lifetime := NewStripeAdapter(config.StripeConfig{WebhookSecret: secret})
		r := httptest.NewRequest("POST", "/api/webhooks/stripe", strings.NewReader(string(checkoutBody)))
		r.Header.Set("Stripe-Signature", stripeSignatureHeader(secret, checkoutBody, time.Now()))

		sale, err := lifetime.Parse(r)
		require.NoError(t, err)
		assert.Nil(t, sale.ExpiresAt)
	})
}
