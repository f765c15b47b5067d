package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"supporter-ledger/internal/model"
)

type IntentRepository interface {
	Create(ctx context.Context, tx *gorm.DB, intent *model.ProviderCheckoutIntent) error
	FindBySession(ctx context.Context, tx *gorm.DB, provider model.Provider, sessionID string) (*model.ProviderCheckoutIntent, error)
	// Consume marks the intent used by transactionID. It reports false when
	// the intent is held by another transaction; a claim held by a failed
	// transaction is released to the next payment on the same session.
	Consume(ctx context.Context, tx *gorm.DB, provider model.Provider, sessionID, transactionID string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type intentRepoImpl struct {
	db *gorm.DB
}

func NewIntentRepository(db *gorm.DB) IntentRepository {
	return &intentRepoImpl{db: db}
}

func (r *intentRepoImpl) Create(ctx context.Context, tx *gorm.DB, intent *model.ProviderCheckoutIntent) error {
	return tx.WithContext(ctx).Create(intent).Error
}

func (r *intentRepoImpl) FindBySession(ctx context.Context, tx *gorm.DB, provider model.Provider, sessionID string) (*model.ProviderCheckoutIntent, error) {
	var intent model.ProviderCheckoutIntent
	err := tx.WithContext(ctx).
		Where("provider = ? AND provider_session_id = ?", provider, sessionID).
		First(&intent).Error

	if err != nil {
		return nil, err
	}

	return &intent, nil
}

func (r *intentRepoImpl) Consume(ctx context.Context, tx *gorm.DB, provider model.Provider, sessionID, transactionID string, now time.Time) (bool, error) {
	failed := tx.Session(&gorm.Session{NewDB: true}).
		Model(&model.DonationTransaction{}).
		Select("id").
		Where("status = ?", model.StatusFailed)

	res := tx.WithContext(ctx).Model(&model.ProviderCheckoutIntent{}).
		Where("provider = ? AND provider_session_id = ?", provider, sessionID).
		Where("(consumed_at IS NULL OR consumed_by_transaction_id = ? OR consumed_by_transaction_id IN (?))", transactionID, failed).
		Updates(map[string]interface{}{
			"consumed_at":                now,
			"consumed_by_transaction_id": transactionID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeleteExpired removes intents past expiry that were never consumed.
func (r *intentRepoImpl) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("consumed_at IS NULL AND expires_at < ?", now).
		Delete(&model.ProviderCheckoutIntent{})
	return res.RowsAffected, res.Error
}
