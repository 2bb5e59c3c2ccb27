package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserve/internal/channels"
	"keyserve/internal/license"
	"keyserve/internal/store"
)

type testEnv struct {
	licenses *LicenseService
	issuance *IssuanceService
	store    *store.Store
	signer   *license.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signer := license.NewSigner("unit-test-signing-secret")
	metrics := NewTestMetrics()

	return &testEnv{
		licenses: NewLicenseService(st, signer, metrics, logger),
		issuance: NewIssuanceService(st, signer, metrics, logger),
		store:    st,
		signer:   signer,
	}
}

func (e *testEnv) issueLifetime(t *testing.T, saleID string) *license.Record {
	t.Helper()

	result, err := e.issuance.IssueFromSale(context.Background(), &channels.Sale{
		Platform: license.PlatformGumroad,
		SaleID:   saleID,
		Email:    "buyer@example.com",
		Name:     "Buyer One",
	})
	require.NoError(t, err)
	require.True(t, result.Created)
	return result.Record
}

func TestVerifyDecisionSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.issueLifetime(t, "sale-1")

	t.Run("valid key without machine", func(t *testing.T) {
		result, err := env.licenses.Verify(ctx, VerifyRequest{Key: rec.LicenseKey})
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Empty(t, result.Reason)
		assert.Equal(t, "buyer@example.com", result.Email)
		assert.Equal(t, "Buyer One", result.Name)

		// read-only check must not consume a slot
		stored, found, err := env.store.GetByKey(ctx, rec.LicenseKey)
		require.NoError(t, err)
		require.True(t, found)
		assert.Zero(t, stored.BoundCount())
	})

	t.Run("garbage key", func(t *testing.T) {
		result, err := env.licenses.Verify(ctx, VerifyRequest{Key: "not-a-key"})
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, license.ReasonInvalidFormat, result.Reason)
	})

	t.Run("foreign signature", func(t *testing.T) {
		other := license.NewSigner("a-completely-different-secret")
		foreign, err := other.Issue(license.Claims{license.ClaimEmail: "x@example.com"})
		require.NoError(t, err)

		result, err := env.licenses.Verify(ctx, VerifyRequest{Key: foreign})
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, license.ReasonInvalidSignature, result.Reason)
	})

	t.Run("well signed but never issued", func(t *testing.T) {
		orphan, err := env.signer.Issue(license.Claims{license.ClaimEmail: "ghost@example.com"})
		require.NoError(t, err)

		result, err := env.licenses.Verify(ctx, VerifyRequest{Key: orphan})
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, license.ReasonNotFound, result.Reason)
	})

	t.Run("revoked license", func(t *testing.T) {
		revoked := env.issueLifetime(t, "sale-revoked")
		require.NoError(t, env.store.SetActive(ctx, revoked.LicenseKey, false))

		result, err := env.licenses.Verify(ctx, VerifyRequest{Key: revoked.LicenseKey})
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, license.ReasonInactive, result.Reason)
	})

	t.Run("expired license", func(t *testing.T) {
		past := time.Now().Add(-24 * time.Hour)
		result, err := env.issuance.IssueFromSale(ctx, &channels.Sale{
			Platform:  license.PlatformStripe,
			SaleID:    "sale-expired",
			Email:     "late@example.com",
			ExpiresAt: &past,
		})
		require.NoError(t, err)

		verdict, err := env.licenses.Verify(ctx, VerifyRequest{Key: result.Record.LicenseKey})
		require.NoError(t, err)
		assert.False(t, verdict.Valid)
		assert.Equal(t, license.ReasonExpired, verdict.Reason)
	})

	t.Run("revoked wins over expired", func(t *testing.T) {
		past := time.Now().Add(-24 * time.Hour)
		result, err := env.issuance.IssueFromSale(ctx, &channels.Sale{
			Platform:  license.PlatformStripe,
			SaleID:    "sale-revoked-expired",
			Email:     "both@example.com",
			ExpiresAt: &past,
		})
		require.NoError(t, err)
		require.NoError(t, env.store.SetActive(ctx, result.Record.LicenseKey, false))

		verdict, err := env.licenses.Verify(ctx, VerifyRequest{Key: result.Record.LicenseKey})
		require.NoError(t, err)
		assert.Equal(t, license.ReasonInactive, verdict.Reason)
	})
}

func TestVerifyActivatesMachines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.issueLifetime(t, "sale-quota")

	verify := func(machineID string) *VerifyResult {
		result, err := env.licenses.Verify(ctx, VerifyRequest{
			Key:       rec.LicenseKey,
			MachineID: machineID,
			OS:        "linux",
			App:       "desktop/2.4.0",
		})
		require.NoError(t, err)
		return result
	}

	for _, m := range []string{"m1", "m2", "m3"} {
		result := verify(m)
		assert.True(t, result.Valid)
		assert.Equal(t, store.ActivationNew, result.Bound)
	}

	t.Run("fourth machine is rejected", func(t *testing.T) {
		result := verify("m4")
		assert.False(t, result.Valid)
		assert.Equal(t, license.ReasonQuotaExceeded, result.Reason)
	})

	t.Run("known machine stays valid at full quota", func(t *testing.T) {
		result := verify("m2")
		assert.True(t, result.Valid)
		assert.Equal(t, store.ActivationAlreadyBound, result.Bound)
	})

	t.Run("deactivation frees a slot", func(t *testing.T) {
		removed, err := env.licenses.Deactivate(ctx, rec.LicenseKey, "m3")
		require.NoError(t, err)
		assert.True(t, removed)

		result := verify("m4")
		assert.True(t, result.Valid)
		assert.Equal(t, store.ActivationNew, result.Bound)
	})

	t.Run("deactivate rejects unsigned keys", func(t *testing.T) {
		_, err := env.licenses.Deactivate(ctx, "bogus", "m1")
		assert.ErrorIs(t, err, license.ErrInvalidFormat)
	})
}

func TestIssuanceIdempotency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sale := &channels.Sale{
		Platform:  license.PlatformGumroad,
		SaleID:    "gum-77",
		Email:     "repeat@example.com",
		ProductID: "prod-1",
	}

	first, err := env.issuance.IssueFromSale(ctx, sale)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := env.issuance.IssueFromSale(ctx, sale)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Record.LicenseKey, second.Record.LicenseKey)

	t.Run("issued key verifies", func(t *testing.T) {
		result, err := env.licenses.Verify(ctx, VerifyRequest{Key: first.Record.LicenseKey})
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	t.Run("same sale id on another platform is distinct", func(t *testing.T) {
		other, err := env.issuance.IssueFromSale(ctx, &channels.Sale{
			Platform: license.PlatformAppSumo,
			SaleID:   "gum-77",
			Email:    "repeat@example.com",
		})
		require.NoError(t, err)
		assert.True(t, other.Created)
		assert.NotEqual(t, first.Record.LicenseKey, other.Record.LicenseKey)
	})
}

func TestIssuanceConcurrentDeliveries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Webhook providers retry aggressively, so the same sale can arrive
	// on several connections at once. Every delivery must resolve to the
	// same record, with exactly one of them minting it.
	const deliveries = 8
	results := make([]*IssueResult, deliveries)
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.issuance.IssueFromSale(ctx, &channels.Sale{
				Platform:  license.PlatformGumroad,
				SaleID:    "gum-burst",
				Email:     "burst@example.com",
				ProductID: "prod-1",
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < deliveries; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].Record)
		assert.Equal(t, results[0].Record.LicenseKey, results[i].Record.LicenseKey)
		if results[i].Created {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one delivery mints the license")

	records, err := env.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCreateManual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		result, err := env.issuance.CreateManual(ctx, ManualInput{Email: "vip@example.com"})
		require.NoError(t, err)
		require.True(t, result.Created)
		assert.Equal(t, license.PlatformManual, result.Record.Platform)
		assert.NotEmpty(t, result.Record.SaleID, "manual grants get a generated sale id")
		assert.Equal(t, license.DefaultMaxActivations, result.Record.MaxActivations)
		assert.Nil(t, result.Record.ExpiresAt)
	})

	t.Run("overrides", func(t *testing.T) {
		expiry := time.Now().Add(30 * 24 * time.Hour)
		result, err := env.issuance.CreateManual(ctx, ManualInput{
			Email:          "beta@example.com",
			MaxActivations: 10,
			ExpiresAt:      &expiry,
			Notes:          "beta tester",
		})
		require.NoError(t, err)
		require.True(t, result.Created)

		stored, found, err := env.store.GetByKey(ctx, result.Record.LicenseKey)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 10, stored.MaxActivations)
		assert.Equal(t, "beta tester", stored.Notes)
		require.NotNil(t, stored.ExpiresAt)
	})

	t.Run("distinct manual grants never collide", func(t *testing.T) {
		a, err := env.issuance.CreateManual(ctx, ManualInput{Email: "a@example.com"})
		require.NoError(t, err)
		b, err := env.issuance.CreateManual(ctx, ManualInput{Email: "b@example.com"})
		require.NoError(t, err)
		assert.NotEqual(t, a.Record.LicenseKey, b.Record.LicenseKey)
	})
}
