package license

import (
	"time"
)

// Platform identifies the sales channel a license was issued through.
type Platform string

// Known sales channels.
const (
	PlatformManual  Platform = "manual"
	PlatformGumroad Platform = "gumroad"
	PlatformAppSumo Platform = "appsumo"
	PlatformStripe  Platform = "stripe"
	PlatformOther   Platform = "other"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformManual, PlatformGumroad, PlatformAppSumo, PlatformStripe, PlatformOther:
		return true
	}
	return false
}

// DefaultMaxActivations is the activation quota applied when a record is
// created without an explicit limit.
const DefaultMaxActivations = 3

// Record is the durable license entity. Its identity is the license key
// string; (Platform, SaleID) is the external dedup key that guards against
// double-issuance on webhook retries. Records are never hard-deleted;
// admin disablement flips IsActive.
type Record struct {
	LicenseKey     string            `json:"license_key"`
	Email          string            `json:"email"`
	Name           string            `json:"name,omitempty"`
	ProductID      string            `json:"product_id,omitempty"`
	Platform       Platform          `json:"platform"`
	SaleID         string            `json:"sale_id"`
	MaxActivations int               `json:"max_activations"`
	IsActive       bool              `json:"is_active"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Activations is the append-only audit log. Deactivation never
	// removes entries from it.
	Activations []Activation `json:"activations,omitempty"`
	// Machines is the live-binding set, maintained in lockstep with the
	// audit log but pruned on deactivation.
	Machines []string `json:"machines,omitempty"`
}

// Activation is one immutable audit-log entry recording a new machine
// binding together with the client metadata supplied at verification time.
type Activation struct {
	MachineID string    `json:"machine_id"`
	IP        string    `json:"ip,omitempty"`
	OS        string    `json:"os,omitempty"`
	App       string    `json:"app,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BoundCount returns the number of currently bound machines.
func (r *Record) BoundCount() int {
	return len(r.Machines)
}

// IsBound reports whether machineID is currently bound to the license.
func (r *Record) IsBound(machineID string) bool {
	for _, m := range r.Machines {
		if m == machineID {
			return true
		}
	}
	return false
}

// IsExpired reports whether the record has an expiry in the past.
// Records without an expiry are lifetime licenses.
func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}
