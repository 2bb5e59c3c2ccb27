package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keyserve/internal/infrastructure"
	"keyserve/internal/license"
	"keyserve/internal/store"
)

// LicenseService owns the verification decision sequence: cryptographic
// signature first, then record lookup, active flag, expiry, and finally
// the machine ledger. The first failing check decides the outcome; later
// checks never run.
type LicenseService struct {
	store   *store.Store
	signer  *license.Signer
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLicenseService creates a license verification service.
func NewLicenseService(st *store.Store, signer *license.Signer, metrics *Metrics, logger *slog.Logger) *LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseService{
		store:   st,
		signer:  signer,
		metrics: metrics,
		logger:  infrastructure.WithComponent(logger, "license-service"),
		now:     time.Now,
	}
}

// VerifyRequest carries a client's key check. MachineID is optional: when
// empty the check is read-only and the ledger is untouched.
type VerifyRequest struct {
	Key       string
	MachineID string
	IP        string
	OS        string
	App       string
}

// VerifyResult is the outcome of a verification. Reason is set only when
// Valid is false and is safe to return to clients.
type VerifyResult struct {
	Valid     bool
	Reason    string
	Email     string
	Name      string
	ExpiresAt *time.Time
	Bound     store.ActivationResult
}

// Verify runs the full decision sequence for a key. Validity failures
// come back in the result with a Reason; only infrastructure failures
// (store unavailable) are returned as errors.
func (s *LicenseService) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if _, err := s.signer.VerifySignature(req.Key); err != nil {
		return s.deny(ctx, req, err), nil
	}

	rec, found, err := s.store.GetByKey(ctx, req.Key)
	if err != nil {
		return nil, fmt.Errorf("load license: %w", err)
	}
	if !found {
		return s.deny(ctx, req, license.ErrNotFound), nil
	}
	if !rec.IsActive {
		return s.deny(ctx, req, license.ErrInactive), nil
	}
	if rec.IsExpired(s.now()) {
		return s.deny(ctx, req, license.ErrExpired), nil
	}

	result := &VerifyResult{
		Valid:     true,
		Email:     rec.Email,
		Name:      rec.Name,
		ExpiresAt: rec.ExpiresAt,
	}

	if req.MachineID != "" {
		bound, err := s.store.Activate(ctx, req.Key, license.Activation{
			MachineID: req.MachineID,
			IP:        req.IP,
			OS:        req.OS,
			App:       req.App,
			CreatedAt: s.now(),
		})
		if errors.Is(err, license.ErrQuotaExceeded) {
			s.metrics.Activations.WithLabelValues("quota_exceeded").Inc()
			return s.deny(ctx, req, err), nil
		}
		if err != nil {
			return nil, fmt.Errorf("activate machine: %w", err)
		}
		result.Bound = bound

		switch bound {
		case store.ActivationNew:
			s.metrics.Activations.WithLabelValues("new").Inc()
		case store.ActivationAlreadyBound:
			s.metrics.Activations.WithLabelValues("already_bound").Inc()
		}
	}

	s.metrics.Verifications.WithLabelValues("valid").Inc()
	s.logger.InfoContext(ctx, "license verified",
		slog.String("email", rec.Email),
		slog.String("machine_id", req.MachineID))

	return result, nil
}

// Deactivate releases a machine binding. The key's signature must check
// out before the ledger is touched; the activation history is retained.
func (s *LicenseService) Deactivate(ctx context.Context, key, machineID string) (bool, error) {
	if _, err := s.signer.VerifySignature(key); err != nil {
		return false, err
	}

	removed, err := s.store.Deactivate(ctx, key, machineID)
	if err != nil {
		return false, err
	}

	if removed {
		s.metrics.Activations.WithLabelValues("released").Inc()
		s.logger.InfoContext(ctx, "machine deactivated",
			slog.String("machine_id", machineID))
	}
	return removed, nil
}

func (s *LicenseService) deny(ctx context.Context, req VerifyRequest, cause error) *VerifyResult {
	reason := license.Reason(cause)
	s.metrics.Verifications.WithLabelValues(reason).Inc()
	s.logger.WarnContext(ctx, "license rejected",
		slog.String("reason", reason),
		slog.String("machine_id", req.MachineID))

	return &VerifyResult{Valid: false, Reason: reason}
}
