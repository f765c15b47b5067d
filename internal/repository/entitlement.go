package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"supporter-ledger/internal/model"
)

type EntitlementRepository interface {
	// Grant inserts e unless its source transaction already granted one.
	Grant(ctx context.Context, tx *gorm.DB, e *model.Entitlement) (bool, error)
	LatestExpiry(ctx context.Context, tx *gorm.DB, userID, productID string, now time.Time) (*time.Time, error)
	HasActive(ctx context.Context, userID, productID string, now time.Time) (bool, error)
	FindBySource(ctx context.Context, transactionID string) (*model.Entitlement, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Entitlement, error)
}

type entitlementRepoImpl struct {
	db *gorm.DB
}

func NewEntitlementRepository(db *gorm.DB) EntitlementRepository {
	return &entitlementRepoImpl{
		db: db,
	}
}

func (r *entitlementRepoImpl) Grant(ctx context.Context, tx *gorm.DB, e *model.Entitlement) (bool, error) {
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_transaction_id"}},
		DoNothing: true,
	}).Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// LatestExpiry returns the furthest expiry among the user's unexpired
// entitlements for product, or nil when there is none.
func (r *entitlementRepoImpl) LatestExpiry(ctx context.Context, tx *gorm.DB, userID, productID string, now time.Time) (*time.Time, error) {
	var ents []*model.Entitlement
	err := tx.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND expires_at > ?", userID, productID, now).
		Order("expires_at DESC").
		Limit(1).
		Find(&ents).Error
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return nil, nil
	}
	return ents[0].ExpiresAt, nil
}

func (r *entitlementRepoImpl) HasActive(ctx context.Context, userID, productID string, now time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Entitlement{}).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Count(&count).Error

	return count > 0, err
}

func (r *entitlementRepoImpl) FindBySource(ctx context.Context, transactionID string) (*model.Entitlement, error) {
	var e model.Entitlement
	err := r.db.WithContext(ctx).
		Where("source_transaction_id = ?", transactionID).
		First(&e).Error

	if err != nil {
		return nil, err
	}

	return &e, nil
}

func (r *entitlementRepoImpl) ListByUser(ctx context.Context, userID string) ([]*model.Entitlement, error) {
	var ents []*model.Entitlement

	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("granted_at ASC").
		Find(&ents).Error
	if err != nil {
		return nil, err
	}

	return ents, nil
}
