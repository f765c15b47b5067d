package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"supporter-ledger/internal/model"
)

type ProductRepository interface {
	Seed(ctx context.Context, products []model.Product) error
	FindByID(ctx context.Context, productID string) (*model.Product, error)
	List(ctx context.Context) ([]*model.Product, error)
}

type productRepoImpl struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) ProductRepository {
	return &productRepoImpl{
		db: db,
	}
}

// DefaultProducts is the catalog seeded on a fresh database.
var DefaultProducts = []model.Product{
	{ID: "supporter_badge", Name: "Supporter badge", Description: "Permanent supporter badge on your profile", PriceMinorUnits: 500, Currency: "usd"},
	{ID: "premium_monthly", Name: "Premium (30 days)", Description: "Premium features for 30 days, stacks with existing time", PriceMinorUnits: 499, Currency: "usd", Stackable: true, DurationDays: 30},
	{ID: "event_pass", Name: "Event pass", Description: "Access to this season's events", PriceMinorUnits: 1000, Currency: "usd", DurationDays: 90},
}

// Seed inserts products that do not exist yet; existing rows are left as is.
func (r *productRepoImpl) Seed(ctx context.Context, products []model.Product) error {
	if len(products) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&products).Error
}

func (r *productRepoImpl) FindByID(ctx context.Context, productID string) (*model.Product, error) {
	var product model.Product
	err := r.db.WithContext(ctx).
		Where("id = ?", productID).
		First(&product).Error

	if err != nil {
		return nil, err
	}

	return &product, nil
}

func (r *productRepoImpl) List(ctx context.Context) ([]*model.Product, error) {
	var products []*model.Product
	err := r.db.WithContext(ctx).
		Order("id ASC").
		Find(&products).
		Error

	if err != nil {
		return nil, err
	}

	return products, nil
}
