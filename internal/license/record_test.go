package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordBindings(t *testing.T) {
	rec := &Record{
		LicenseKey:     "key-1",
		Email:          "a@example.com",
		Platform:       PlatformGumroad,
		MaxActivations: DefaultMaxActivations,
		Machines:       []string{"m1", "m2"},
	}

	assert.Equal(t, 2, rec.BoundCount())
	assert.True(t, rec.IsBound("m1"))
	assert.False(t, rec.IsBound("m3"))
}

func TestRecordExpiry(t *testing.T) {
	now := time.Now()

	t.Run("lifetime", func(t *testing.T) {
		rec := &Record{}
		assert.False(t, rec.IsExpired(now))
	})

	t.Run("future expiry", func(t *testing.T) {
		exp := now.Add(time.Hour)
		rec := &Record{ExpiresAt: &exp}
		assert.False(t, rec.IsExpired(now))
	})

	t.Run("past expiry", func(t *testing.T) {
		exp := now.Add(-time.Hour)
		rec := &Record{ExpiresAt: &exp}
		assert.True(t, rec.IsExpired(now))
	})
}

func TestPlatformValid(t *testing.T) {
	for _, p := range []Platform{PlatformManual, PlatformGumroad, PlatformAppSumo, PlatformStripe, PlatformOther} {
		assert.True(t, p.Valid(), string(p))
	}
	assert.False(t, Platform("ebay").Valid())
}
