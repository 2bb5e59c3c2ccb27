package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known claim keys inside the signed payload. Any other key is opaque
// pass-through metadata and is not interpreted by the core.
const (
	ClaimID        = "id"
	ClaimEmail     = "email"
	ClaimName      = "name"
	ClaimProduct   = "product"
	ClaimCreatedAt = "created_at"
	ClaimExpiresAt = "expires_at"
)

// Claims is the signed payload of a license key. It marshals through
// encoding/json, which emits map keys in sorted order; that fixed ordering
// is the canonical encoding the signature is computed over.
type Claims map[string]any

// Email returns the subject email claim, if present.
func (c Claims) Email() string { return c.stringClaim(ClaimEmail) }

// Name returns the subject display-name claim, if present.
func (c Claims) Name() string { return c.stringClaim(ClaimName) }

// ID returns the per-issue unique id claim.
func (c Claims) ID() string { return c.stringClaim(ClaimID) }

// ExpiresAt returns the parsed expiry claim, or nil for lifetime keys.
func (c Claims) ExpiresAt() *time.Time {
	raw := c.stringClaim(ClaimExpiresAt)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

func (c Claims) stringClaim(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// envelope is the wire format of a license key before base64 encoding.
// Data holds the payload bytes exactly as signed, so verification never
// depends on re-serialization.
type envelope struct {
	Data json.RawMessage `json:"data"`
	Sig  string          `json:"sig"`
}

// Signer issues and verifies self-contained signed license keys using a
// keyed MAC (HMAC-SHA256, hex lowercase) over the canonical JSON payload.
// It is a pure component: no I/O, safe for concurrent use.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer bound to the given process-wide secret.
func NewSigner(secret string) *Signer {
	return &Signer{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Issue signs the given claims and returns an opaque license key.
// A cryptographically random unique id and the issue timestamp are added
// before signing, so two Issue calls with identical claims yield distinct
// keys.
func (s *Signer) Issue(claims Claims) (string, error) {
	payload := make(Claims, len(claims)+2)
	for k, v := range claims {
		payload[k] = v
	}
	payload[ClaimID] = uuid.NewString()
	payload[ClaimCreatedAt] = s.now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	env := envelope{
		Data: data,
		Sig:  s.sign(data),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	return base64.StdEncoding.EncodeToString(encoded), nil
}

// Verify decodes and verifies a license key: envelope decoding
// (ErrInvalidFormat), constant-time signature comparison
// (ErrInvalidSignature), then the embedded expiry (ErrExpired).
// Pure function of (key, secret); no I/O.
func (s *Signer) Verify(key string) (Claims, error) {
	claims, err := s.VerifySignature(key)
	if err != nil {
		return nil, err
	}

	if exp := claims.ExpiresAt(); exp != nil && s.now().After(*exp) {
		return nil, ErrExpired
	}

	return claims, nil
}

// VerifySignature is Verify without the expiry check. The service layer
// uses it to apply its own check ordering, where the record's active flag
// is consulted before expiry.
func (s *Signer) VerifySignature(key string) (Claims, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, ErrInvalidFormat
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Data) == 0 {
		return nil, ErrInvalidFormat
	}

	expected := s.sign(env.Data)
	if !hmac.Equal([]byte(env.Sig), []byte(expected)) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := json.Unmarshal(env.Data, &claims); err != nil {
		return nil, ErrInvalidFormat
	}

	return claims, nil
}

// sign computes the hex-lowercase HMAC-SHA256 of data under the secret.
func (s *Signer) sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
