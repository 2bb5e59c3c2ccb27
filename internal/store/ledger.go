package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"keyserve/internal/license"
)

// ActivationResult reports which ledger transition an Activate call took.
type ActivationResult int

const (
	// ActivationNew means the machine was unbound and is now bound; one
	// quota slot was consumed and an audit entry appended.
	ActivationNew ActivationResult = iota
	// ActivationAlreadyBound means the machine was already bound; the
	// call was an idempotent no-op.
	ActivationAlreadyBound
)

// Activate performs the Unbound -> Bound transition for (key, machineID)
// inside one transaction. Re-activating a bound machine is a no-op that
// consumes no quota; activating past the quota fails with
// license.ErrQuotaExceeded and leaves the record untouched. Only a new
// binding appends to the append-only activation history.
func (s *Store) Activate(ctx context.Context, key string, act license.Activation) (ActivationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxActivations int
	err = tx.QueryRowContext(ctx,
		`SELECT max_activations FROM licenses WHERE license_key = ?`, key).
		Scan(&maxActivations)
	if err == sql.ErrNoRows {
		return 0, license.ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var bound int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bindings WHERE license_key = ? AND machine_id = ?`,
		key, act.MachineID).Scan(&bound)
	if err != nil {
		return 0, err
	}
	if bound > 0 {
		return ActivationAlreadyBound, tx.Commit()
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bindings WHERE license_key = ?`, key).Scan(&count)
	if err != nil {
		return 0, err
	}
	if count >= maxActivations {
		return 0, license.ErrQuotaExceeded
	}

	now := time.Now()
	if act.CreatedAt.IsZero() {
		act.CreatedAt = now
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bindings (license_key, machine_id, bound_at) VALUES (?, ?, ?)`,
		key, act.MachineID, formatTime(now))
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO activations (id, license_key, machine_id, ip, os, app, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), key, act.MachineID, act.IP, act.OS, act.App,
		formatTime(act.CreatedAt))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.logger.Info("machine bound",
		slog.String("machine_id", act.MachineID),
		slog.Int("bound_count", count+1),
		slog.Int("max_activations", maxActivations))
	return ActivationNew, nil
}

// Deactivate performs the Bound -> Unbound transition, freeing one quota
// slot. Deactivating an unbound machine is a no-op, not an error. The
// activation history is retained either way.
func (s *Store) Deactivate(ctx context.Context, key, machineID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM licenses WHERE license_key = ?`, key).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, license.ErrNotFound
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM bindings WHERE license_key = ? AND machine_id = ?`,
		key, machineID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	if n > 0 {
		s.logger.Info("machine unbound", slog.String("machine_id", machineID))
	}
	return n > 0, nil
}
