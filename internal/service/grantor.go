package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"supporter-ledger/internal/model"
	"supporter-ledger/internal/repository"
)

type GrantOutcome string

const (
	GrantNotApplicable  GrantOutcome = "not_applicable"
	GrantGranted        GrantOutcome = "granted"
	GrantAlreadyGranted GrantOutcome = "already_granted"
	// the payment stands; the grant waits for a user link or a regrant run
	GrantPendingNoUser GrantOutcome = "pending_no_user"
	GrantPendingError  GrantOutcome = "pending_error"
)

type RegrantSummary struct {
	Scanned        int
	Granted        int
	AlreadyGranted int
	StillPending   int
}

type GrantorService interface {
	Grant(ctx context.Context, t *model.DonationTransaction) (GrantOutcome, error)
	Regrant(ctx context.Context, limit int) (*RegrantSummary, error)
}

type grantorServiceImpl struct {
	db              *gorm.DB
	txRepo          repository.TransactionRepository
	productRepo     repository.ProductRepository
	entitlementRepo repository.EntitlementRepository
	now             func() time.Time
}

func NewGrantorService(
	db *gorm.DB,
	txRepo repository.TransactionRepository,
	productRepo repository.ProductRepository,
	entitlementRepo repository.EntitlementRepository,
) GrantorService {
	return &grantorServiceImpl{
		db:              db,
		txRepo:          txRepo,
		productRepo:     productRepo,
		entitlementRepo: entitlementRepo,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Grant delivers the product bought by a completed transaction. A failure
// never touches the payment row's status: it only raises entitlement_pending.
// The returned error is non-nil only when even that flag could not be written.
func (s *grantorServiceImpl) Grant(ctx context.Context, t *model.DonationTransaction) (GrantOutcome, error) {
	if t.Status != model.StatusCompleted || t.ProductID == nil {
		return GrantNotApplicable, nil
	}

	log := slog.With("transaction_id", t.ID, "product_id", *t.ProductID)

	if t.UserID == nil {
		// a stale copy of a row another delivery already linked and granted
		if _, err := s.entitlementRepo.FindBySource(ctx, t.ID); err == nil {
			return GrantAlreadyGranted, nil
		}
		log.Info("entitlement waiting for identity")
		return s.markPending(ctx, t, GrantPendingNoUser)
	}

	product, err := s.productRepo.FindByID(ctx, *t.ProductID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error("transaction references unknown product")
		} else {
			log.Error("load product failed", "error", err)
		}
		return s.markPending(ctx, t, GrantPendingError)
	}

	created := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		ent := &model.Entitlement{
			ID:                  uuid.NewString(),
			UserID:              *t.UserID,
			ProductID:           product.ID,
			SourceTransactionID: t.ID,
			GrantedAt:           now,
		}

		if product.DurationDays > 0 {
			start := now
			if product.Stackable {
				latest, err := s.entitlementRepo.LatestExpiry(ctx, tx, *t.UserID, product.ID, now)
				if err != nil {
					return fmt.Errorf("latest expiry: %w", err)
				}
				if latest != nil && latest.After(start) {
					start = *latest
				}
			}
			expires := start.AddDate(0, 0, product.DurationDays)
			ent.ExpiresAt = &expires
		}

		created, err = s.entitlementRepo.Grant(ctx, tx, ent)
		if err != nil {
			return fmt.Errorf("insert entitlement: %w", err)
		}
		if err := s.txRepo.SetEntitlementPending(ctx, tx, t.ID, false); err != nil {
			return fmt.Errorf("clear entitlement pending: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Error("grant entitlement failed", "error", err)
		return s.markPending(ctx, t, GrantPendingError)
	}

	if !created {
		return GrantAlreadyGranted, nil
	}
	log.Info("entitlement granted", "user_id", *t.UserID)
	return GrantGranted, nil
}

func (s *grantorServiceImpl) markPending(ctx context.Context, t *model.DonationTransaction, outcome GrantOutcome) (GrantOutcome, error) {
	if t.EntitlementPending {
		return outcome, nil
	}
	if err := s.txRepo.SetEntitlementPending(ctx, s.db, t.ID, true); err != nil {
		return outcome, fmt.Errorf("mark entitlement pending: %w", err)
	}
	t.EntitlementPending = true
	return outcome, nil
}

func (s *grantorServiceImpl) Regrant(ctx context.Context, limit int) (*RegrantSummary, error) {
	rows, err := s.txRepo.ListEntitlementPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list entitlement pending: %w", err)
	}

	sum := &RegrantSummary{}
	for _, t := range rows {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Scanned++

		outcome, err := s.Grant(ctx, t)
		if err != nil {
			return sum, err
		}
		switch outcome {
		case GrantGranted:
			sum.Granted++
		case GrantAlreadyGranted:
			sum.AlreadyGranted++
		case GrantNotApplicable:
			// refunded since it was flagged; nothing left to deliver
			if err := s.txRepo.SetEntitlementPending(ctx, s.db, t.ID, false); err != nil {
				return sum, fmt.Errorf("clear entitlement pending: %w", err)
			}
		default:
			sum.StillPending++
		}
	}
	return sum, nil
}
