// Package store persists license records and activation state in SQLite.
// All read-check-write paths run inside a single transaction on a single
// writer connection, so concurrent activations against the same license
// are serialized and cannot jointly exceed the activation quota.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"keyserve/internal/infrastructure"
	"keyserve/internal/license"
)

// Duplicate-create failures. Callers distinguish a replayed sale (handled
// idempotently by the issuance layer) from a colliding license key.
var (
	ErrDuplicateKey  = errors.New("license key already exists")
	ErrDuplicateSale = errors.New("sale already has a license")
)

// Store is the durable license record store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes transactions, which is what the
	// activation ledger's atomicity contract relies on.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: infrastructure.WithComponent(logger, "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s.logger.Info("license store opened", slog.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies store connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS licenses (
			license_key     TEXT PRIMARY KEY,
			email           TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			product_id      TEXT NOT NULL DEFAULT '',
			platform        TEXT NOT NULL,
			sale_id         TEXT NOT NULL,
			max_activations INTEGER NOT NULL DEFAULT 3,
			is_active       INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL,
			expires_at      TEXT,
			notes           TEXT NOT NULL DEFAULT '',
			metadata        TEXT NOT NULL DEFAULT '{}',
			UNIQUE (platform, sale_id)
		)`,
		`CREATE TABLE IF NOT EXISTS activations (
			id          TEXT PRIMARY KEY,
			license_key TEXT NOT NULL REFERENCES licenses(license_key),
			machine_id  TEXT NOT NULL,
			ip          TEXT NOT NULL DEFAULT '',
			os          TEXT NOT NULL DEFAULT '',
			app         TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activations_license ON activations(license_key)`,
		`CREATE TABLE IF NOT EXISTS bindings (
			license_key TEXT NOT NULL REFERENCES licenses(license_key),
			machine_id  TEXT NOT NULL,
			bound_at    TEXT NOT NULL,
			PRIMARY KEY (license_key, machine_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create atomically inserts a new license record. It fails with
// ErrDuplicateKey when the license key is taken and ErrDuplicateSale when
// the (platform, saleID) pair already has a license; the unique
// constraints, not an application-side check, enforce both.
func (s *Store) Create(ctx context.Context, rec *license.Record) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if rec.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO licenses
			(license_key, email, name, product_id, platform, sale_id,
			 max_activations, is_active, created_at, expires_at, notes, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LicenseKey, rec.Email, rec.Name, rec.ProductID,
		string(rec.Platform), rec.SaleID, rec.MaxActivations,
		boolToInt(rec.IsActive), formatTime(rec.CreatedAt),
		formatTimePtr(rec.ExpiresAt), rec.Notes, string(metadata),
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

// GetByKey loads a record with its live bindings and activation history.
// Absence is a normal empty result, not an error.
func (s *Store) GetByKey(ctx context.Context, key string) (*license.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT license_key, email, name, product_id, platform, sale_id,
		       max_activations, is_active, created_at, expires_at, notes, metadata
		FROM licenses WHERE license_key = ?`, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := s.loadBindings(ctx, rec); err != nil {
		return nil, false, err
	}
	if err := s.loadActivations(ctx, rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// GetBySale looks a record up by its external sale identity.
func (s *Store) GetBySale(ctx context.Context, platform license.Platform, saleID string) (*license.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT license_key, email, name, product_id, platform, sale_id,
		       max_activations, is_active, created_at, expires_at, notes, metadata
		FROM licenses WHERE platform = ? AND sale_id = ?`, string(platform), saleID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := s.loadBindings(ctx, rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// List returns all records, newest first, with live bindings loaded.
// Activation history is left out; admins fetch it per key.
func (s *Store) List(ctx context.Context) ([]*license.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT license_key, email, name, product_id, platform, sale_id,
		       max_activations, is_active, created_at, expires_at, notes, metadata
		FROM licenses ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*license.Record
	byKey := make(map[string]*license.Record)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		byKey[rec.LicenseKey] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	bindingRows, err := s.db.QueryContext(ctx, `SELECT license_key, machine_id FROM bindings`)
	if err != nil {
		return nil, err
	}
	defer bindingRows.Close()

	for bindingRows.Next() {
		var key, machineID string
		if err := bindingRows.Scan(&key, &machineID); err != nil {
			return nil, err
		}
		if rec, ok := byKey[key]; ok {
			rec.Machines = append(rec.Machines, machineID)
		}
	}
	return records, bindingRows.Err()
}

// SetActive flips the admin soft-disable flag. Records are never deleted.
func (s *Store) SetActive(ctx context.Context, key string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET is_active = ? WHERE license_key = ?`,
		boolToInt(active), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return license.ErrNotFound
	}
	return nil
}

func (s *Store) loadBindings(ctx context.Context, rec *license.Record) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT machine_id FROM bindings WHERE license_key = ? ORDER BY bound_at`,
		rec.LicenseKey)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var machineID string
		if err := rows.Scan(&machineID); err != nil {
			return err
		}
		rec.Machines = append(rec.Machines, machineID)
	}
	return rows.Err()
}

func (s *Store) loadActivations(ctx context.Context, rec *license.Record) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_id, ip, os, app, created_at
		FROM activations WHERE license_key = ? ORDER BY created_at`,
		rec.LicenseKey)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var act license.Activation
		var createdAt string
		if err := rows.Scan(&act.MachineID, &act.IP, &act.OS, &act.App, &createdAt); err != nil {
			return err
		}
		act.CreatedAt = parseTime(createdAt)
		rec.Activations = append(rec.Activations, act)
	}
	return rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*license.Record, error) {
	var (
		rec       license.Record
		platform  string
		isActive  int
		createdAt string
		expiresAt sql.NullString
		metadata  string
	)

	err := row.Scan(&rec.LicenseKey, &rec.Email, &rec.Name, &rec.ProductID,
		&platform, &rec.SaleID, &rec.MaxActivations, &isActive,
		&createdAt, &expiresAt, &rec.Notes, &metadata)
	if err != nil {
		return nil, err
	}

	rec.Platform = license.Platform(platform)
	rec.IsActive = isActive != 0
	rec.CreatedAt = parseTime(createdAt)
	if expiresAt.Valid && expiresAt.String != "" {
		t := parseTime(expiresAt.String)
		rec.ExpiresAt = &t
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

func mapConstraintError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "licenses.license_key"):
		return ErrDuplicateKey
	case strings.Contains(msg, "licenses.platform"), strings.Contains(msg, "licenses.sale_id"):
		return ErrDuplicateSale
	default:
		return err
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
