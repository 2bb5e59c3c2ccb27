package license

import "errors"

// Verification failures. Each maps to a stable reason string reported to
// clients; store/connectivity failures are deliberately not part of this
// set so "invalid" is never conflated with "unavailable".
var (
	ErrInvalidFormat    = errors.New("license key is malformed")
	ErrInvalidSignature = errors.New("license key signature mismatch")
	ErrExpired          = errors.New("license has expired")
	ErrInactive         = errors.New("license is disabled")
	ErrNotFound         = errors.New("license key not found")
	ErrQuotaExceeded    = errors.New("activation limit reached")
)

// Reason strings reported in verification responses.
const (
	ReasonInvalidFormat    = "InvalidFormat"
	ReasonInvalidSignature = "InvalidSignature"
	ReasonExpired          = "Expired"
	ReasonInactive         = "Inactive"
	ReasonNotFound         = "NotFound"
	ReasonQuotaExceeded    = "QuotaExceeded"
)

// Reason maps a verification error to its wire reason string.
// Unknown errors yield an empty string; callers treat those as server
// failures rather than validity failures.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFormat):
		return ReasonInvalidFormat
	case errors.Is(err, ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrInactive):
		return ReasonInactive
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrQuotaExceeded):
		return ReasonQuotaExceeded
	default:
		return ""
	}
}

// IsVerificationError reports whether err is one of the validity failures
// (as opposed to a store or internal failure).
func IsVerificationError(err error) bool {
	return Reason(err) != ""
}
