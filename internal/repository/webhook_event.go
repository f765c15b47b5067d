package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"supporter-ledger/internal/model"
)

// WebhookEventRepository keeps the delivery audit trail. It plays no part in
// idempotency: the ledger key does.
type WebhookEventRepository interface {
	Record(ctx context.Context, event *model.WebhookEvent) error
	List(ctx context.Context, provider model.Provider, limit int) ([]*model.WebhookEvent, error)
}

type webhookEventRepoImpl struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepoImpl{db: db}
}

// Record stores a delivery; a redelivery of the same event overwrites the
// outcome of the previous attempt.
func (r *webhookEventRepoImpl) Record(ctx context.Context, event *model.WebhookEvent) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"outcome", "error", "received_at"}),
	}).Create(event).Error
}

func (r *webhookEventRepoImpl) List(ctx context.Context, provider model.Provider, limit int) ([]*model.WebhookEvent, error) {
	q := r.db.WithContext(ctx).Order("received_at DESC").Limit(normalizeLimit(limit))
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}

	var events []*model.WebhookEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
