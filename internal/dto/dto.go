package dto

import "time"

type CheckoutRequest struct {
	ProductID        string `json:"product_id" validate:"omitempty,max=64"`
	AmountMinorUnits int64  `json:"amount_minor_units" validate:"omitempty,gt=0"`
	Currency         string `json:"currency" validate:"omitempty,len=3,alpha"`
	Message          string `json:"message" validate:"omitempty,max=500"`
}

type CheckoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

type EntitlementResponse struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Active    bool   `json:"active"`
}

type Supporter struct {
	DisplayName      string    `json:"display_name"`
	Message          *string   `json:"message,omitempty"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Currency         string    `json:"currency"`
	CompletedAt      time.Time `json:"completed_at"`
}

type CurrencyTotal struct {
	Currency         string `json:"currency"`
	Count            int    `json:"count"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Amount           string `json:"amount"` // decimal, e.g. "12.50"
}

type TransactionRow struct {
	ID                    string     `json:"id"`
	Provider              string     `json:"provider"`
	ProviderTransactionID string     `json:"provider_transaction_id"`
	AmountMinorUnits      int64      `json:"amount_minor_units"`
	Currency              string     `json:"currency"`
	Status                string     `json:"status"`
	PayerEmail            *string    `json:"payer_email,omitempty"`
	PayerDisplayName      *string    `json:"payer_display_name,omitempty"`
	UserID                *string    `json:"user_id,omitempty"`
	IdentitySource        string     `json:"identity_source,omitempty"`
	ProductID             *string    `json:"product_id,omitempty"`
	EntitlementPending    bool       `json:"entitlement_pending"`
	CreatedAt             time.Time  `json:"created_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

type TransactionReport struct {
	Transactions []*TransactionRow `json:"transactions"`
	Totals       []*CurrencyTotal  `json:"totals"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
