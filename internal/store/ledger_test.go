package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserve/internal/license"
)

func TestLedgerQuotaEnforcement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testRecord("key-1", "sale-1")))

	// Three distinct machines fit the default quota
	for _, m := range []string{"m1", "m2", "m3"} {
		result, err := s.Activate(ctx, "key-1", license.Activation{MachineID: m})
		require.NoError(t, err)
		assert.Equal(t, ActivationNew, result)
	}

	// A fourth distinct machine is rejected and the record is unchanged
	_, err := s.Activate(ctx, "key-1", license.Activation{MachineID: "m4"})
	assert.ErrorIs(t, err, license.ErrQuotaExceeded)

	rec, _, err := s.GetByKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.BoundCount())
	assert.Len(t, rec.Activations, 3)
	assert.False(t, rec.IsBound("m4"))
}

func TestLedgerConcurrentActivations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testRecord("key-1", "sale-1")))

	// Ten distinct machines race for three slots. The quota check and
	// the binding insert share one transaction, so the winners must
	// number exactly maxActivations no matter how the races land.
	const contenders = 10
	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Activate(ctx, "key-1", license.Activation{
				MachineID: fmt.Sprintf("racer-%d", i),
			})
		}(i)
	}
	wg.Wait()

	var granted, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, license.ErrQuotaExceeded):
			rejected++
		default:
			t.Fatalf("unexpected activation error: %v", err)
		}
	}
	assert.Equal(t, license.DefaultMaxActivations, granted)
	assert.Equal(t, contenders-license.DefaultMaxActivations, rejected)

	rec, _, err := s.GetByKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, license.DefaultMaxActivations, rec.BoundCount())
	assert.Len(t, rec.Activations, license.DefaultMaxActivations)
}

func TestLedgerIdempotentReactivation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testRecord("key-1", "sale-1")))

	result, err := s.Activate(ctx, "key-1", license.Activation{MachineID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, ActivationNew, result)

	// Re-presenting a bound machine consumes no quota and appends no
	// history entry
	result, err = s.Activate(ctx, "key-1", license.Activation{MachineID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, ActivationAlreadyBound, result)

	rec, _, err := s.GetByKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.BoundCount())
	assert.Len(t, rec.Activations, 1)
}

func TestLedgerDeactivateThenReactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testRecord("key-1", "sale-1")))

	for _, m := range []string{"m1", "m2", "m3"} {
		_, err := s.Activate(ctx, "key-1", license.Activation{MachineID: m})
		require.NoError(t, err)
	}

	removed, err := s.Deactivate(ctx, "key-1", "m2")
	require.NoError(t, err)
	assert.True(t, removed)

	// Count dropped below max, so a new machine fits again
	result, err := s.Activate(ctx, "key-1", license.Activation{MachineID: "m4"})
	require.NoError(t, err)
	assert.Equal(t, ActivationNew, result)

	rec, _, err := s.GetByKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.BoundCount())
	assert.False(t, rec.IsBound("m2"))
	assert.True(t, rec.IsBound("m4"))

	// The audit trail keeps the ended binding
	assert.Len(t, rec.Activations, 4)
}

func TestLedgerDeactivateUnboundIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testRecord("key-1", "sale-1")))

	removed, err := s.Deactivate(ctx, "key-1", "never-bound")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLedgerUnknownLicense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "missing", license.Activation{MachineID: "m1"})
	assert.ErrorIs(t, err, license.ErrNotFound)

	_, err = s.Deactivate(ctx, "missing", "m1")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestLedgerRecordsClientMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testRecord("key-1", "sale-1")))

	_, err := s.Activate(ctx, "key-1", license.Activation{
		MachineID: "m1",
		IP:        "203.0.113.9",
		OS:        "windows",
		App:       "studio-2.4",
	})
	require.NoError(t, err)

	rec, _, err := s.GetByKey(ctx, "key-1")
	require.NoError(t, err)
	require.Len(t, rec.Activations, 1)
	act := rec.Activations[0]
	assert.Equal(t, "203.0.113.9", act.IP)
	assert.Equal(t, "windows", act.OS)
	assert.Equal(t, "studio-2.4", act.App)
	assert.False(t, act.CreatedAt.IsZero())
}
