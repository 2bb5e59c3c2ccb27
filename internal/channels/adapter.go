// Package channels normalizes heterogeneous purchase webhooks into one
// Sale shape. Each sales channel ships its own payload format and its own
// authenticity scheme; adapters own both, so the issuance layer never
// sees channel-specific details.
package channels

import (
	"errors"
	"net/http"
	"time"

	"keyserve/internal/license"
)

// ErrUnauthenticated is returned when a webhook fails its channel's
// authenticity check. No state mutation may happen after it.
var ErrUnauthenticated = errors.New("webhook authenticity check failed")

// ErrEventIgnored is returned for authentic events the channel does not
// issue licenses for (e.g. non-checkout Stripe events). Handlers ack them
// without creating anything.
var ErrEventIgnored = errors.New("event does not issue a license")

// Sale is a normalized purchase event. (Platform, SaleID) is the
// exactly-once identity under at-least-once webhook delivery.
type Sale struct {
	Platform  license.Platform
	SaleID    string
	Email     string
	Name      string
	ProductID string
	// ExpiresAt is nil for lifetime licenses.
	ExpiresAt *time.Time
	Metadata  map[string]string
}

// Adapter turns a channel-specific webhook request into a Sale.
// Parse must authenticate the payload before trusting any field.
type Adapter interface {
	Platform() license.Platform
	Parse(r *http.Request) (*Sale, error)
}
