package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"supporter-ledger/internal/ledger"
	"supporter-ledger/internal/model"
)

// a conditional update only loses when another writer moved the row first;
// two lifecycle steps is the most that can happen in between.
const maxAdmitAttempts = 3

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

type AdmitResult struct {
	Decision    ledger.Decision
	Previous    model.TransactionStatus // empty when the row was inserted
	Transaction *model.DonationTransaction
	// Rejection is set for DecisionAnomaly and wraps ledger.ErrInvalidStateTransition.
	Rejection error
}

type TransactionFilter struct {
	From     *time.Time
	To       *time.Time
	Status   model.TransactionStatus
	Provider model.Provider
	Limit    int
}

type Identity struct {
	UserID    string
	Source    model.IdentitySource
	ProductID *string
	Message   *string
	// Overwrite replaces an existing user link; only the operator path sets it.
	Overwrite bool
}

type TransactionRepository interface {
	Admit(ctx context.Context, tx *gorm.DB, candidate *model.DonationTransaction) (*AdmitResult, error)
	FindByID(ctx context.Context, id string) (*model.DonationTransaction, error)
	FindByKey(ctx context.Context, provider model.Provider, providerTransactionID string) (*model.DonationTransaction, error)
	SetIdentity(ctx context.Context, tx *gorm.DB, id string, ident *Identity) (bool, error)
	SetEntitlementPending(ctx context.Context, tx *gorm.DB, id string, pending bool) error
	List(ctx context.Context, filter *TransactionFilter) ([]*model.DonationTransaction, error)
	ListSupporters(ctx context.Context, limit int) ([]*model.DonationTransaction, error)
	ListEntitlementPending(ctx context.Context, limit int) ([]*model.DonationTransaction, error)
	ListUnresolved(ctx context.Context, limit int) ([]*model.DonationTransaction, error)
}

type transactionRepoImpl struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepoImpl{
		db: db,
	}
}

// Admit is the idempotency guard. The insert is ON CONFLICT DO NOTHING on
// (provider, provider_transaction_id); a loser of that race, or any later
// report, falls through to an update guarded by the status it was decided on.
func (r *transactionRepoImpl) Admit(ctx context.Context, tx *gorm.DB, c *model.DonationTransaction) (*AdmitResult, error) {
	tx = tx.WithContext(ctx)
	now := time.Now().UTC()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.OccurredAt.IsZero() {
		c.OccurredAt = now
	}

	if ledger.InitialStatus(c.Status) == nil {
		if c.Status == model.StatusCompleted {
			c.CompletedAt = &now
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_transaction_id"}},
			DoNothing: true,
		}).Create(c)
		if res.Error != nil {
			return nil, fmt.Errorf("insert transaction: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return &AdmitResult{Decision: ledger.DecisionInsert, Transaction: c}, nil
		}
		c.CompletedAt = nil
	}

	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		var current model.DonationTransaction
		err := tx.Where("provider = ? AND provider_transaction_id = ?", c.Provider, c.ProviderTransactionID).
			First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// a status that cannot open a row, e.g. a refund for a payment we never saw
			_, rejection := ledger.Decide(nil, c.Status)
			return &AdmitResult{Decision: ledger.DecisionAnomaly, Rejection: rejection}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load transaction: %w", err)
		}

		decision, rejection := ledger.Decide(&current.Status, c.Status)
		result := &AdmitResult{
			Decision:    decision,
			Previous:    current.Status,
			Transaction: &current,
			Rejection:   rejection,
		}

		var updates map[string]interface{}
		switch decision {
		case ledger.DecisionUpdatePending:
			updates = map[string]interface{}{
				"status":              c.Status,
				"updated_at":          now,
				"payer_email":         gorm.Expr("COALESCE(payer_email, ?)", c.PayerEmail),
				"payer_display_name":  gorm.Expr("COALESCE(payer_display_name, ?)", c.PayerDisplayName),
				"message":             gorm.Expr("COALESCE(message, ?)", c.Message),
				"product_id":          gorm.Expr("COALESCE(product_id, ?)", c.ProductID),
				"provider_session_id": gorm.Expr("COALESCE(provider_session_id, ?)", c.ProviderSessionID),
			}
			if c.Status == model.StatusCompleted {
				updates["completed_at"] = now
			}
		case ledger.DecisionRefund:
			updates = map[string]interface{}{
				"status":     model.StatusRefunded,
				"updated_at": now,
			}
		default:
			return result, nil
		}

		res := tx.Model(&model.DonationTransaction{}).
			Where("id = ? AND status = ?", current.ID, current.Status).
			Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("update transaction: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			if err := tx.Where("id = ?", current.ID).First(&current).Error; err != nil {
				return nil, fmt.Errorf("reload transaction: %w", err)
			}
			return result, nil
		}
	}

	return nil, fmt.Errorf("admit %s/%s: row changed concurrently %d times", c.Provider, c.ProviderTransactionID, maxAdmitAttempts)
}

func (r *transactionRepoImpl) FindByID(ctx context.Context, id string) (*model.DonationTransaction, error) {
	var t model.DonationTransaction
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&t).Error

	if err != nil {
		return nil, err
	}

	return &t, nil
}

func (r *transactionRepoImpl) FindByKey(ctx context.Context, provider model.Provider, providerTransactionID string) (*model.DonationTransaction, error) {
	var t model.DonationTransaction
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_transaction_id = ?", provider, providerTransactionID).
		First(&t).Error

	if err != nil {
		return nil, err
	}

	return &t, nil
}

// SetIdentity links a row to a user. Without Overwrite it only fills an empty
// link, so two resolvers racing on the same row cannot disagree.
func (r *transactionRepoImpl) SetIdentity(ctx context.Context, tx *gorm.DB, id string, ident *Identity) (bool, error) {
	q := tx.WithContext(ctx).Model(&model.DonationTransaction{}).Where("id = ?", id)
	if !ident.Overwrite {
		q = q.Where("user_id IS NULL")
	}

	res := q.Updates(map[string]interface{}{
		"user_id":         ident.UserID,
		"identity_source": ident.Source,
		"product_id":      gorm.Expr("COALESCE(product_id, ?)", ident.ProductID),
		"message":         gorm.Expr("COALESCE(message, ?)", ident.Message),
		"updated_at":      time.Now().UTC(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *transactionRepoImpl) SetEntitlementPending(ctx context.Context, tx *gorm.DB, id string, pending bool) error {
	return tx.WithContext(ctx).Model(&model.DonationTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"entitlement_pending": pending,
			"updated_at":          time.Now().UTC(),
		}).Error
}

func (r *transactionRepoImpl) List(ctx context.Context, filter *TransactionFilter) ([]*model.DonationTransaction, error) {
	q := r.db.WithContext(ctx).Model(&model.DonationTransaction{})

	// completed rows are reported by when the money landed
	timeCol := "created_at"
	if filter.Status == model.StatusCompleted {
		timeCol = "completed_at"
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.From != nil {
		q = q.Where(timeCol+" >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where(timeCol+" < ?", *filter.To)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var txs []*model.DonationTransaction
	if err := q.Order(timeCol + " ASC").Order("id ASC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *transactionRepoImpl) ListSupporters(ctx context.Context, limit int) ([]*model.DonationTransaction, error) {
	var txs []*model.DonationTransaction
	err := r.db.WithContext(ctx).
		Where("status = ?", model.StatusCompleted).
		Order("completed_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&txs).Error

	if err != nil {
		return nil, err
	}

	return txs, nil
}

func (r *transactionRepoImpl) ListEntitlementPending(ctx context.Context, limit int) ([]*model.DonationTransaction, error) {
	var txs []*model.DonationTransaction
	err := r.db.WithContext(ctx).
		Where("entitlement_pending = ?", true).
		Order("created_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&txs).Error

	if err != nil {
		return nil, err
	}

	return txs, nil
}

func (r *transactionRepoImpl) ListUnresolved(ctx context.Context, limit int) ([]*model.DonationTransaction, error) {
	var txs []*model.DonationTransaction
	err := r.db.WithContext(ctx).
		Where("user_id IS NULL AND status IN ?", []model.TransactionStatus{model.StatusPending, model.StatusCompleted}).
		Order("created_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&txs).Error

	if err != nil {
		return nil, err
	}

	return txs, nil
}
