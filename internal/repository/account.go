package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"supporter-ledger/internal/model"
)

// AccountRepository reads the platform's account directory. The ledger never
// writes accounts.
type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	FindByEmail(ctx context.Context, email string) (*model.Account, error)
}

type accountRepoImpl struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepoImpl{db: db}
}

func (r *accountRepoImpl) FindByID(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&a).Error

	if err != nil {
		return nil, err
	}

	return &a, nil
}

// FindByEmail matches exactly after trimming and lowercasing both sides.
func (r *accountRepoImpl) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	var a model.Account
	err := r.db.WithContext(ctx).
		Where("LOWER(TRIM(email)) = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&a).Error

	if err != nil {
		return nil, err
	}

	return &a, nil
}
