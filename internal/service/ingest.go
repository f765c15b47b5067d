package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"supporter-ledger/internal/ledger"
	"supporter-ledger/internal/model"
	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/repository"
)

// Source names where an event entered the ledger; it is recorded on anomalies.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceSweep   Source = "sweep"
	SourceManual  Source = "manual"
)

type IngestResult struct {
	Decision    ledger.Decision
	Transaction *model.DonationTransaction // nil for an anomaly with no row
	Grant       GrantOutcome
}

type ResolveSummary struct {
	Scanned int
	Linked  int
	Granted int
}

type IngestService interface {
	// Ingest admits one canonical event and, on the committed row, runs the
	// identity resolver and entitlement grantor. Every call is safe to repeat.
	Ingest(ctx context.Context, e *provider.DonationEvent, source Source) (*IngestResult, error)
	// ResolvePending is the operator-triggered re-run of resolution and
	// granting for unlinked rows.
	ResolvePending(ctx context.Context, limit int) (*ResolveSummary, error)
	// Link attaches a transaction to a user on an operator's word and grants
	// what it bought.
	Link(ctx context.Context, transactionID, userID string) (*IngestResult, error)
	// ResolveAnomaly closes an anomaly once an operator has dealt with it.
	ResolveAnomaly(ctx context.Context, id uint) error
}

type ingestServiceImpl struct {
	db          *gorm.DB
	txRepo      repository.TransactionRepository
	anomalyRepo repository.AnomalyRepository
	resolver    ResolverService
	grantor     GrantorService
}

func NewIngestService(
	db *gorm.DB,
	txRepo repository.TransactionRepository,
	anomalyRepo repository.AnomalyRepository,
	resolver ResolverService,
	grantor GrantorService,
) IngestService {
	return &ingestServiceImpl{
		db:          db,
		txRepo:      txRepo,
		anomalyRepo: anomalyRepo,
		resolver:    resolver,
		grantor:     grantor,
	}
}

func (s *ingestServiceImpl) Ingest(ctx context.Context, e *provider.DonationEvent, source Source) (*IngestResult, error) {
	if err := provider.Validate(e); err != nil {
		return nil, err
	}

	var admitted *repository.AdmitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := s.txRepo.Admit(ctx, tx, transactionFromEvent(e))
		if err != nil {
			return fmt.Errorf("admit transaction: %w", err)
		}
		admitted = res

		if res.Decision == ledger.DecisionAnomaly {
			detail := ""
			if res.Rejection != nil {
				detail = res.Rejection.Error()
			}
			err := s.anomalyRepo.Create(ctx, tx, &model.ReconciliationAnomaly{
				Provider:              e.Provider,
				ProviderTransactionID: e.ProviderTransactionID,
				FromStatus:            res.Previous,
				ToStatus:              e.Status,
				Source:                string(source),
				Detail:                detail,
			})
			if err != nil {
				return fmt.Errorf("record anomaly: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := slog.With(
		"provider", e.Provider,
		"provider_transaction_id", e.ProviderTransactionID,
		"status", e.Status,
		"decision", admitted.Decision,
		"source", source,
	)

	result := &IngestResult{Decision: admitted.Decision, Transaction: admitted.Transaction, Grant: GrantNotApplicable}
	if admitted.Decision == ledger.DecisionAnomaly {
		log.Warn("rejected state transition", "from", admitted.Previous, "error", admitted.Rejection)
		return result, nil
	}
	log.Info("event admitted")

	// identity is resolved once, when the row is first seen; later
	// re-resolution is an operator decision
	resolve := admitted.Decision == ledger.DecisionInsert
	if err := s.settle(ctx, result, resolve); err != nil {
		return nil, err
	}
	return result, nil
}

// settle runs the post-commit steps. Granting is idempotent and runs on every
// delivery, so a redelivery after a crash between admission and grant
// finishes the job.
func (s *ingestServiceImpl) settle(ctx context.Context, result *IngestResult, resolve bool) error {
	t := result.Transaction
	if t.Status == model.StatusFailed {
		return nil
	}

	if resolve && t.UserID == nil {
		row, err := s.resolver.Resolve(ctx, t)
		if err != nil {
			return fmt.Errorf("resolve identity: %w", err)
		}
		t = row
		result.Transaction = row
	}

	outcome, err := s.grantor.Grant(ctx, t)
	if err != nil {
		return fmt.Errorf("grant entitlement: %w", err)
	}
	result.Grant = outcome
	return nil
}

func (s *ingestServiceImpl) ResolvePending(ctx context.Context, limit int) (*ResolveSummary, error) {
	rows, err := s.txRepo.ListUnresolved(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved: %w", err)
	}

	sum := &ResolveSummary{}
	for _, t := range rows {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Scanned++

		result := &IngestResult{Transaction: t}
		if err := s.settle(ctx, result, true); err != nil {
			return sum, err
		}
		if result.Transaction.UserID != nil {
			sum.Linked++
		}
		if result.Grant == GrantGranted {
			sum.Granted++
		}
	}
	return sum, nil
}

func (s *ingestServiceImpl) Link(ctx context.Context, transactionID, userID string) (*IngestResult, error) {
	row, err := s.resolver.Link(ctx, transactionID, userID)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{Transaction: row, Grant: GrantNotApplicable}
	if err := s.settle(ctx, result, false); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ingestServiceImpl) ResolveAnomaly(ctx context.Context, id uint) error {
	if err := s.anomalyRepo.MarkResolved(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("resolve anomaly %d: %w", id, err)
	}
	slog.Info("anomaly resolved", "anomaly_id", id)
	return nil
}

func transactionFromEvent(e *provider.DonationEvent) *model.DonationTransaction {
	return &model.DonationTransaction{
		Provider:              e.Provider,
		ProviderTransactionID: e.ProviderTransactionID,
		ProviderSessionID:     e.ProviderSessionID,
		AmountMinorUnits:      e.AmountMinorUnits,
		Currency:              e.Currency,
		Status:                e.Status,
		PayerEmail:            e.PayerEmail,
		PayerDisplayName:      e.PayerDisplayName,
		Message:               e.Message,
		IsPublic:              e.IsPublic,
		ProductID:             e.ProductID,
		OccurredAt:            e.OccurredAt,
	}
}

// IsClientError reports whether err was caused by the payload rather than by
// the ledger, i.e. a retry of the same bytes cannot succeed.
func IsClientError(err error) bool {
	return errors.Is(err, provider.ErrMalformedPayload) || errors.Is(err, provider.ErrAuthenticityFailure)
}
