package channels

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"

	"keyserve/internal/config"
	"keyserve/internal/license"
)

// StripeAdapter handles Stripe webhook events, verified through the
// provider SDK's signature scheme. Only completed checkout sessions issue
// licenses; every other event type is acked and ignored.
type StripeAdapter struct {
	cfg config.StripeConfig
	now func() time.Time
}

// NewStripeAdapter creates a Stripe webhook adapter.
func NewStripeAdapter(cfg config.StripeConfig) *StripeAdapter {
	return &StripeAdapter{cfg: cfg, now: time.Now}
}

// Platform implements Adapter.
func (a *StripeAdapter) Platform() license.Platform {
	return license.PlatformStripe
}

// checkoutSession is the subset of the session object the adapter needs.
type checkoutSession struct {
	ID              string `json:"id"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Parse implements Adapter.
func (a *StripeAdapter) Parse(r *http.Request) (*Sale, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), a.cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	if event.Type != "checkout.session.completed" {
		return nil, ErrEventIgnored
	}

	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}

	email := session.CustomerDetails.Email
	if email == "" {
		email = session.CustomerEmail
	}
	if session.ID == "" || email == "" {
		return nil, fmt.Errorf("checkout session missing id or customer email")
	}

	// Subscription-linked licenses run for the configured term and are
	// re-issued on renewal; a zero term means lifetime.
	var expiresAt *time.Time
	if a.cfg.TermDays > 0 {
		t := a.now().Add(time.Duration(a.cfg.TermDays) * 24 * time.Hour)
		expiresAt = &t
	}

	metadata := map[string]string{}
	for k, v := range session.Metadata {
		metadata[k] = v
	}
	if session.ClientReferenceID != "" {
		metadata["client_reference_id"] = session.ClientReferenceID
	}

	return &Sale{
		Platform:  license.PlatformStripe,
		SaleID:    session.ID,
		Email:     email,
		Name:      session.CustomerDetails.Name,
		ProductID: metadata["product_id"],
		ExpiresAt: expiresAt,
		Metadata:  metadata,
	}, nil
}
