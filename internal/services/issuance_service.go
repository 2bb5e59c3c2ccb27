package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"keyserve/internal/channels"
	"keyserve/internal/infrastructure"
	"keyserve/internal/license"
	"keyserve/internal/store"
)

// IssuanceService turns normalized sales into signed license records.
// (Platform, SaleID) is the idempotency key: the same sale always maps
// to the same license no matter how many times the webhook is delivered.
type IssuanceService struct {
	store   *store.Store
	signer  *license.Signer
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewIssuanceService creates an issuance service.
func NewIssuanceService(st *store.Store, signer *license.Signer, metrics *Metrics, logger *slog.Logger) *IssuanceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IssuanceService{
		store:   st,
		signer:  signer,
		metrics: metrics,
		logger:  infrastructure.WithComponent(logger, "issuance-service"),
		now:     time.Now,
	}
}

// IssueResult reports an issuance outcome. Created is false when the
// sale had already been processed and the stored license was re-served.
type IssueResult struct {
	Record  *license.Record
	Created bool
}

// IssueFromSale issues a license for a sale, or returns the previously
// issued one.
func (s *IssuanceService) IssueFromSale(ctx context.Context, sale *channels.Sale) (*IssueResult, error) {
	return s.issue(ctx, sale, license.DefaultMaxActivations, "")
}

// issue is the shared issuance path. Concurrent deliveries of the same
// sale race on the store's uniqueness constraint; the loser re-reads and
// serves the winner's key.
func (s *IssuanceService) issue(ctx context.Context, sale *channels.Sale, maxActivations int, notes string) (*IssueResult, error) {
	existing, found, err := s.store.GetBySale(ctx, sale.Platform, sale.SaleID)
	if err != nil {
		return nil, fmt.Errorf("look up sale: %w", err)
	}
	if found {
		s.metrics.Issuances.WithLabelValues(string(sale.Platform), "duplicate").Inc()
		s.logger.InfoContext(ctx, "sale already processed, re-serving license",
			slog.String("platform", string(sale.Platform)),
			slog.String("sale_id", sale.SaleID))
		return &IssueResult{Record: existing}, nil
	}

	claims := license.Claims{license.ClaimEmail: sale.Email}
	if sale.Name != "" {
		claims[license.ClaimName] = sale.Name
	}
	if sale.ProductID != "" {
		claims[license.ClaimProduct] = sale.ProductID
	}
	if sale.ExpiresAt != nil {
		claims[license.ClaimExpiresAt] = sale.ExpiresAt.UTC().Format(time.RFC3339)
	}

	key, err := s.signer.Issue(claims)
	if err != nil {
		return nil, fmt.Errorf("sign license: %w", err)
	}

	rec := &license.Record{
		LicenseKey:     key,
		Email:          sale.Email,
		Name:           sale.Name,
		ProductID:      sale.ProductID,
		Platform:       sale.Platform,
		SaleID:         sale.SaleID,
		MaxActivations: maxActivations,
		IsActive:       true,
		CreatedAt:      s.now().UTC(),
		ExpiresAt:      sale.ExpiresAt,
		Notes:          notes,
		Metadata:       sale.Metadata,
	}

	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateSale) {
			winner, found, rerr := s.store.GetBySale(ctx, sale.Platform, sale.SaleID)
			if rerr != nil || !found {
				return nil, fmt.Errorf("resolve concurrent issuance: %w", err)
			}
			s.metrics.Issuances.WithLabelValues(string(sale.Platform), "duplicate").Inc()
			return &IssueResult{Record: winner}, nil
		}
		return nil, fmt.Errorf("store license: %w", err)
	}

	s.metrics.Issuances.WithLabelValues(string(sale.Platform), "created").Inc()
	s.logger.InfoContext(ctx, "license issued",
		slog.String("platform", string(sale.Platform)),
		slog.String("sale_id", sale.SaleID),
		slog.String("email", sale.Email))

	return &IssueResult{Record: rec, Created: true}, nil
}

// ManualInput describes an operator-initiated license grant.
type ManualInput struct {
	Email          string
	Name           string
	ProductID      string
	SaleID         string
	MaxActivations int
	ExpiresAt      *time.Time
	Notes          string
	Metadata       map[string]string
}

// CreateManual issues a license outside any sales channel. A missing
// SaleID gets a generated one so manual grants never collide on the
// sale uniqueness constraint.
func (s *IssuanceService) CreateManual(ctx context.Context, input ManualInput) (*IssueResult, error) {
	sale := &channels.Sale{
		Platform:  license.PlatformManual,
		SaleID:    input.SaleID,
		Email:     input.Email,
		Name:      input.Name,
		ProductID: input.ProductID,
		ExpiresAt: input.ExpiresAt,
		Metadata:  input.Metadata,
	}
	if sale.SaleID == "" {
		sale.SaleID = uuid.NewString()
	}

	maxActivations := input.MaxActivations
	if maxActivations <= 0 {
		maxActivations = license.DefaultMaxActivations
	}

	return s.issue(ctx, sale, maxActivations, input.Notes)
}
