package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"supporter-ledger/internal/model"
)

// ManualEntry is an operator-recorded payment, e.g. a bank transfer.
type ManualEntry struct {
	TransactionID    string     `json:"transaction_id"`
	AmountMinorUnits int64      `json:"amount_minor_units"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	PayerEmail       string     `json:"payer_email,omitempty"`
	PayerDisplayName string     `json:"payer_display_name,omitempty"`
	Message          string     `json:"message,omitempty"`
	ProductID        string     `json:"product_id,omitempty"`
	OccurredAt       *time.Time `json:"occurred_at,omitempty"`
}

type ManualAdapter struct{}

func NewManualAdapter() *ManualAdapter {
	return &ManualAdapter{}
}

func (a *ManualAdapter) Provider() model.Provider {
	return model.ProviderManual
}

// Verify always fails: manual entries only come from the operator CLI.
func (a *ManualAdapter) Verify(_ []byte, _ http.Header) error {
	return fmt.Errorf("%w: manual entries are not accepted over http", ErrAuthenticityFailure)
}

func (a *ManualAdapter) Parse(body []byte, _ http.Header) (*DonationEvent, error) {
	var entry ManualEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, malformed("decode manual entry: %v", err)
	}
	return ManualEvent(&entry)
}

func ManualStatus(raw string) (model.TransactionStatus, error) {
	s := model.TransactionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case model.StatusPending, model.StatusCompleted, model.StatusFailed, model.StatusRefunded:
		return s, nil
	}
	return "", malformed("unknown manual status %q", raw)
}

func ManualEvent(entry *ManualEntry) (*DonationEvent, error) {
	if entry.Status == "" {
		entry.Status = string(model.StatusCompleted)
	}
	status, err := ManualStatus(entry.Status)
	if err != nil {
		return nil, err
	}

	e := &DonationEvent{
		Provider:              model.ProviderManual,
		ProviderTransactionID: strings.TrimSpace(entry.TransactionID),
		AmountMinorUnits:      entry.AmountMinorUnits,
		Currency:              normalizeCurrency(entry.Currency),
		RawStatus:             entry.Status,
		Status:                status,
		PayerEmail:            normalizeEmail(entry.PayerEmail),
		PayerDisplayName:      optional(entry.PayerDisplayName),
		Message:               optional(entry.Message),
		ProductID:             optional(entry.ProductID),
		IsPublic:              true,
		EventType:             "manual",
	}
	if entry.OccurredAt != nil {
		e.OccurredAt = entry.OccurredAt.UTC()
	}

	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}
