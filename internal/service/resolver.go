package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"supporter-ledger/internal/model"
	"supporter-ledger/internal/repository"
)

var ErrUnknownAccount = errors.New("account not found")

// errLinkedConcurrently rolls back an intent consumption when the row was
// linked by someone else between our read and our write.
var errLinkedConcurrently = errors.New("transaction linked concurrently")

type ResolverService interface {
	// Resolve links t to a platform account if it has none yet. Precedence:
	// unconsumed checkout intent for t's session, then exact email match,
	// else t stays anonymous. The refreshed row is returned.
	Resolve(ctx context.Context, t *model.DonationTransaction) (*model.DonationTransaction, error)
	// Link is the operator override: it sets userID on the row even when it
	// is already linked.
	Link(ctx context.Context, transactionID, userID string) (*model.DonationTransaction, error)
}

type resolverServiceImpl struct {
	db          *gorm.DB
	txRepo      repository.TransactionRepository
	intentRepo  repository.IntentRepository
	accountRepo repository.AccountRepository
}

func NewResolverService(
	db *gorm.DB,
	txRepo repository.TransactionRepository,
	intentRepo repository.IntentRepository,
	accountRepo repository.AccountRepository,
) ResolverService {
	return &resolverServiceImpl{
		db:          db,
		txRepo:      txRepo,
		intentRepo:  intentRepo,
		accountRepo: accountRepo,
	}
}

func (s *resolverServiceImpl) Resolve(ctx context.Context, t *model.DonationTransaction) (*model.DonationTransaction, error) {
	if t.UserID != nil {
		return t, nil
	}

	linked, err := s.resolveByIntent(ctx, t)
	if err != nil {
		return nil, err
	}

	if !linked && t.PayerEmail != nil {
		linked, err = s.resolveByEmail(ctx, t)
		if err != nil {
			return nil, err
		}
	}

	if !linked {
		slog.Debug("transaction stays anonymous", "transaction_id", t.ID, "provider", t.Provider)
		return t, nil
	}

	row, err := s.txRepo.FindByID(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("reload transaction: %w", err)
	}
	return row, nil
}

func (s *resolverServiceImpl) resolveByIntent(ctx context.Context, t *model.DonationTransaction) (bool, error) {
	if t.ProviderSessionID == nil {
		return false, nil
	}

	linked := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		intent, err := s.intentRepo.FindBySession(ctx, tx, t.Provider, *t.ProviderSessionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find intent: %w", err)
		}

		consumed, err := s.intentRepo.Consume(ctx, tx, t.Provider, intent.ProviderSessionID, t.ID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("consume intent: %w", err)
		}
		if !consumed {
			slog.Warn("checkout intent already consumed by another transaction",
				"provider", t.Provider, "session_id", intent.ProviderSessionID, "transaction_id", t.ID)
			return nil
		}

		ok, err := s.txRepo.SetIdentity(ctx, tx, t.ID, &repository.Identity{
			UserID:    intent.IntendedUserID,
			Source:    model.IdentityIntent,
			ProductID: intent.IntendedProductID,
			Message:   intent.IntendedMessage,
		})
		if err != nil {
			return fmt.Errorf("link transaction: %w", err)
		}
		if !ok {
			return errLinkedConcurrently
		}
		linked = true
		return nil
	})
	if errors.Is(err, errLinkedConcurrently) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return linked, nil
}

func (s *resolverServiceImpl) resolveByEmail(ctx context.Context, t *model.DonationTransaction) (bool, error) {
	account, err := s.accountRepo.FindByEmail(ctx, *t.PayerEmail)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find account by email: %w", err)
	}

	// a false result means another resolver linked it first, which is just as good
	if _, err := s.txRepo.SetIdentity(ctx, s.db, t.ID, &repository.Identity{
		UserID: account.ID,
		Source: model.IdentityEmail,
	}); err != nil {
		return false, fmt.Errorf("link transaction: %w", err)
	}
	return true, nil
}

func (s *resolverServiceImpl) Link(ctx context.Context, transactionID, userID string) (*model.DonationTransaction, error) {
	if _, err := s.accountRepo.FindByID(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
		}
		return nil, fmt.Errorf("find account: %w", err)
	}

	ok, err := s.txRepo.SetIdentity(ctx, s.db, transactionID, &repository.Identity{
		UserID:    userID,
		Source:    model.IdentityOperator,
		Overwrite: true,
	})
	if err != nil {
		return nil, fmt.Errorf("link transaction: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("link transaction %s: %w", transactionID, gorm.ErrRecordNotFound)
	}

	slog.Info("transaction linked by operator", "transaction_id", transactionID, "user_id", userID)
	return s.txRepo.FindByID(ctx, transactionID)
}
