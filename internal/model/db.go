package model

import (
	"time"

	"gorm.io/datatypes"
)

type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderSquare Provider = "square"
	ProviderKofi   Provider = "kofi"
	ProviderManual Provider = "manual"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderSquare, ProviderKofi, ProviderManual:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusRefunded  TransactionStatus = "refunded"
)

type IdentitySource string

const (
	IdentityNone     IdentitySource = ""
	IdentityIntent   IdentitySource = "intent"
	IdentityEmail    IdentitySource = "email"
	IdentityOperator IdentitySource = "operator"
)

// DonationTransaction is one real-world payment attempt reported by a provider.
type DonationTransaction struct {
	ID                    string            `gorm:"primaryKey;size:36;not null" json:"id"`
	Provider              Provider          `gorm:"size:16;not null;uniqueIndex:ux_donation_tx_provider_txid,priority:1" json:"provider"`
	ProviderTransactionID string            `gorm:"size:128;not null;uniqueIndex:ux_donation_tx_provider_txid,priority:2" json:"provider_transaction_id"`
	ProviderSessionID     *string           `gorm:"size:128;index" json:"provider_session_id,omitempty"`
	AmountMinorUnits      int64             `gorm:"not null" json:"amount_minor_units"`
	Currency              string            `gorm:"size:8;not null" json:"currency"`
	Status                TransactionStatus `gorm:"size:16;index;not null" json:"status"`
	PayerEmail            *string           `gorm:"size:255;index" json:"-"`
	PayerDisplayName      *string           `gorm:"size:255" json:"payer_display_name,omitempty"`
	Message               *string           `gorm:"type:text" json:"message,omitempty"`
	IsPublic              bool              `gorm:"not null" json:"is_public"`
	UserID                *string           `gorm:"size:64;index" json:"user_id,omitempty"`
	IdentitySource        IdentitySource    `gorm:"size:16" json:"identity_source,omitempty"`
	ProductID             *string           `gorm:"size:64;index" json:"product_id,omitempty"`
	EntitlementPending    bool              `gorm:"not null;default:false;index" json:"entitlement_pending"`
	OccurredAt            time.Time         `json:"occurred_at"`
	CompletedAt           *time.Time        `gorm:"index" json:"completed_at,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Entitlement grants a user access to a purchased product. One row per source
// transaction.
type Entitlement struct {
	ID                  string     `gorm:"primaryKey;size:36;not null" json:"id"`
	UserID              string     `gorm:"size:64;not null;index:idx_entitlement_user_product,priority:1" json:"user_id"`
	ProductID           string     `gorm:"size:64;not null;index:idx_entitlement_user_product,priority:2" json:"product_id"`
	SourceTransactionID string     `gorm:"size:36;not null;uniqueIndex" json:"source_transaction_id"`
	GrantedAt           time.Time  `gorm:"not null" json:"granted_at"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
}

type Product struct {
	ID              string `gorm:"primaryKey;size:64;not null" json:"id"` // product sku
	Name            string `gorm:"size:128;not null" json:"name"`
	Description     string `gorm:"size:255" json:"description"`
	PriceMinorUnits int64  `gorm:"not null" json:"price_minor_units"`
	Currency        string `gorm:"size:8;not null" json:"currency"`
	Stackable       bool   `gorm:"not null;default:false" json:"stackable"`
	DurationDays    int    `gorm:"not null;default:0" json:"duration_days"` // 0 = permanent
}

// ProviderCheckoutIntent is written by an authenticated session before the
// user is redirected to pay. It is the strongest identity signal we have.
type ProviderCheckoutIntent struct {
	ProviderSessionID       string     `gorm:"primaryKey;size:128;not null" json:"provider_session_id"`
	Provider                Provider   `gorm:"size:16;not null" json:"provider"`
	IntendedUserID          string     `gorm:"size:64;not null;index" json:"intended_user_id"`
	IntendedProductID       *string    `gorm:"size:64" json:"intended_product_id,omitempty"`
	IntendedMessage         *string    `gorm:"type:text" json:"intended_message,omitempty"`
	AmountMinorUnits        int64      `gorm:"not null" json:"amount_minor_units"`
	Currency                string     `gorm:"size:8;not null" json:"currency"`
	CheckoutURL             string     `gorm:"size:512" json:"checkout_url"`
	ConsumedAt              *time.Time `json:"consumed_at,omitempty"`
	ConsumedByTransactionID *string    `gorm:"size:36" json:"consumed_by_transaction_id,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	ExpiresAt               time.Time  `gorm:"index;not null" json:"expires_at"`
}

type WebhookEvent struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Provider   Provider       `gorm:"size:16;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1" json:"provider"`
	EventID    string         `gorm:"size:128;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2" json:"event_id"`
	EventType  string         `gorm:"size:64;index" json:"event_type"`
	Payload    datatypes.JSON `json:"payload"`
	Outcome    string         `gorm:"size:32" json:"outcome"`
	Error      string         `gorm:"type:text" json:"error,omitempty"`
	ReceivedAt time.Time      `gorm:"index" json:"received_at"`
}

// ReconciliationAnomaly records a rejected lifecycle transition for operator review.
type ReconciliationAnomaly struct {
	ID                    uint              `gorm:"primaryKey" json:"id"`
	Provider              Provider          `gorm:"size:16;not null;index" json:"provider"`
	ProviderTransactionID string            `gorm:"size:128;not null;index" json:"provider_transaction_id"`
	FromStatus            TransactionStatus `gorm:"size:16" json:"from_status"`
	ToStatus              TransactionStatus `gorm:"size:16" json:"to_status"`
	Source                string            `gorm:"size:16" json:"source"` // webhook, sweep, manual
	Detail                string            `gorm:"type:text" json:"detail"`
	CreatedAt             time.Time         `json:"created_at"`
	ResolvedAt            *time.Time        `json:"resolved_at,omitempty"`
}

type SweepRun struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Provider       Provider   `gorm:"size:16;not null;index" json:"provider"`
	WindowStart    time.Time  `json:"window_start"`
	WindowEnd      time.Time  `json:"window_end"`
	Scanned        int        `json:"scanned"`
	Inserted       int        `json:"inserted"`
	Updated        int        `json:"updated"`
	AlreadyPresent int        `json:"already_present"`
	Anomalies      int        `json:"anomalies"`
	Errors         int        `json:"errors"`
	Error          string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Account is the platform's user directory. The ledger only reads it.
type Account struct {
	ID          string `gorm:"primaryKey;size:64;not null" json:"id"`
	Email       string `gorm:"size:255;uniqueIndex;not null" json:"email"`
	DisplayName string `gorm:"size:255" json:"display_name"`
}

func (Account) TableName() string { return "users" }
