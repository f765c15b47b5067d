package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"supporter-ledger/internal/model"
)

type AnomalyRepository interface {
	Create(ctx context.Context, tx *gorm.DB, a *model.ReconciliationAnomaly) error
	ListOpen(ctx context.Context, limit int) ([]*model.ReconciliationAnomaly, error)
	MarkResolved(ctx context.Context, id uint, now time.Time) error
}

type anomalyRepoImpl struct {
	db *gorm.DB
}

func NewAnomalyRepository(db *gorm.DB) AnomalyRepository {
	return &anomalyRepoImpl{db: db}
}

func (r *anomalyRepoImpl) Create(ctx context.Context, tx *gorm.DB, a *model.ReconciliationAnomaly) error {
	return tx.WithContext(ctx).Create(a).Error
}

func (r *anomalyRepoImpl) ListOpen(ctx context.Context, limit int) ([]*model.ReconciliationAnomaly, error) {
	var out []*model.ReconciliationAnomaly
	err := r.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at ASC, id ASC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *anomalyRepoImpl) MarkResolved(ctx context.Context, id uint, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.ReconciliationAnomaly{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
