package channels

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"keyserve/internal/config"
	"keyserve/internal/license"
)

// GumroadAdapter handles Gumroad sale pings. Gumroad posts form-encoded
// payloads and carries no signature; authenticity is a constant-time
// comparison of the seller_id field against the configured value.
type GumroadAdapter struct {
	cfg config.GumroadConfig
}

// NewGumroadAdapter creates a Gumroad webhook adapter.
func NewGumroadAdapter(cfg config.GumroadConfig) *GumroadAdapter {
	return &GumroadAdapter{cfg: cfg}
}

// Platform implements Adapter.
func (a *GumroadAdapter) Platform() license.Platform {
	return license.PlatformGumroad
}

// Parse implements Adapter.
func (a *GumroadAdapter) Parse(r *http.Request) (*Sale, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}

	sellerID := r.PostFormValue("seller_id")
	if a.cfg.SellerID == "" ||
		subtle.ConstantTimeCompare([]byte(sellerID), []byte(a.cfg.SellerID)) != 1 {
		return nil, ErrUnauthenticated
	}

	if a.cfg.ProductID != "" && r.PostFormValue("product_id") != a.cfg.ProductID {
		return nil, ErrEventIgnored
	}

	saleID := r.PostFormValue("sale_id")
	email := r.PostFormValue("email")
	if saleID == "" || email == "" {
		return nil, fmt.Errorf("gumroad ping missing sale_id or email")
	}

	// One-time Gumroad purchases are lifetime licenses
	return &Sale{
		Platform:  license.PlatformGumroad,
		SaleID:    saleID,
		Email:     email,
		Name:      r.PostFormValue("full_name"),
		ProductID: r.PostFormValue("product_id"),
		Metadata: map[string]string{
			"product_permalink": r.PostFormValue("product_permalink"),
			"recurrence":        r.PostFormValue("recurrence"),
		},
	}, nil
}
