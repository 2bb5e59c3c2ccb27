package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"keyserve/internal/config"
	"keyserve/internal/license"
)

// appSumoSignatureHeader carries the hex HMAC-SHA256 of the raw body.
const appSumoSignatureHeader = "X-Appsumo-Signature"

// AppSumoAdapter handles AppSumo deal webhooks. Authenticity is an HMAC
// over the raw request body, keyed on the shared webhook secret. AppSumo
// deals are lifetime licenses.
type AppSumoAdapter struct {
	cfg config.AppSumoConfig
}

// NewAppSumoAdapter creates an AppSumo webhook adapter.
func NewAppSumoAdapter(cfg config.AppSumoConfig) *AppSumoAdapter {
	return &AppSumoAdapter{cfg: cfg}
}

// Platform implements Adapter.
func (a *AppSumoAdapter) Platform() license.Platform {
	return license.PlatformAppSumo
}

type appSumoEvent struct {
	Action          string `json:"action"`
	PlanID          string `json:"plan_id"`
	InvoiceItemUUID string `json:"invoice_item_uuid"`
	ActivationEmail string `json:"activation_email"`
}

// Parse implements Adapter.
func (a *AppSumoAdapter) Parse(r *http.Request) (*Sale, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if !a.verifySignature(body, r.Header.Get(appSumoSignatureHeader)) {
		return nil, ErrUnauthenticated
	}

	var event appSumoEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode appsumo event: %w", err)
	}

	if event.Action != "" && event.Action != "activate" {
		return nil, ErrEventIgnored
	}

	if event.InvoiceItemUUID == "" || event.ActivationEmail == "" {
		return nil, fmt.Errorf("appsumo event missing invoice_item_uuid or activation_email")
	}

	return &Sale{
		Platform:  license.PlatformAppSumo,
		SaleID:    event.InvoiceItemUUID,
		Email:     event.ActivationEmail,
		ProductID: event.PlanID,
		Metadata: map[string]string{
			"plan_id": event.PlanID,
		},
	}, nil
}

func (a *AppSumoAdapter) verifySignature(body []byte, header string) bool {
	if a.cfg.Secret == "" || header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(header), []byte(expected))
}
