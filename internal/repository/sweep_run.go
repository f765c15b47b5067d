package repository

import (
	"context"

	"gorm.io/gorm"

	"supporter-ledger/internal/model"
)

type SweepRunRepository interface {
	Create(ctx context.Context, run *model.SweepRun) error
	Save(ctx context.Context, run *model.SweepRun) error
	// LastSuccessful returns the latest finished run without error, or nil.
	LastSuccessful(ctx context.Context, provider model.Provider) (*model.SweepRun, error)
}

type sweepRunRepoImpl struct {
	db *gorm.DB
}

func NewSweepRunRepository(db *gorm.DB) SweepRunRepository {
	return &sweepRunRepoImpl{db: db}
}

func (r *sweepRunRepoImpl) Create(ctx context.Context, run *model.SweepRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *sweepRunRepoImpl) Save(ctx context.Context, run *model.SweepRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *sweepRunRepoImpl) LastSuccessful(ctx context.Context, provider model.Provider) (*model.SweepRun, error) {
	var runs []*model.SweepRun
	err := r.db.WithContext(ctx).
		Where("provider = ? AND finished_at IS NOT NULL AND error = ?", provider, "").
		Order("window_end DESC").
		Limit(1).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}
