package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"supporter-ledger/internal/model"
)

const squareSignatureHeader = "X-Square-Hmacsha256-Signature"

type SquareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type SquareAddress struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type SquarePayment struct {
	ID                string         `json:"id"`
	Status            string         `json:"status"`
	AmountMoney       SquareMoney    `json:"amount_money"`
	TotalMoney        *SquareMoney   `json:"total_money,omitempty"`
	OrderID           string         `json:"order_id"`
	BuyerEmailAddress string         `json:"buyer_email_address"`
	Note              string         `json:"note"`
	BillingAddress    *SquareAddress `json:"billing_address,omitempty"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
}

type SquareRefund struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	PaymentID   string      `json:"payment_id"`
	AmountMoney SquareMoney `json:"amount_money"`
	CreatedAt   string      `json:"created_at"`
}

type SquareNotification struct {
	MerchantID string `json:"merchant_id"`
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	CreatedAt  string `json:"created_at"`
	Data       struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *SquarePayment `json:"payment,omitempty"`
			Refund  *SquareRefund  `json:"refund,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

type SquareAdapter struct {
	signatureKey    string
	notificationURL string
}

// NewSquareAdapter needs the exact notification URL registered with Square:
// it is part of the signed material.
func NewSquareAdapter(signatureKey, notificationURL string) *SquareAdapter {
	return &SquareAdapter{
		signatureKey:    signatureKey,
		notificationURL: notificationURL,
	}
}

func (a *SquareAdapter) Provider() model.Provider {
	return model.ProviderSquare
}

func (a *SquareAdapter) Verify(body []byte, headers http.Header) error {
	if a.signatureKey == "" || a.notificationURL == "" {
		return fmt.Errorf("%w: square signature key not configured", ErrAuthenticityFailure)
	}
	got := headers.Get(squareSignatureHeader)
	if got == "" {
		return fmt.Errorf("%w: missing %s header", ErrAuthenticityFailure, squareSignatureHeader)
	}
	want := SquareSignature(a.signatureKey, a.notificationURL, body)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return fmt.Errorf("%w: square signature mismatch", ErrAuthenticityFailure)
	}
	return nil
}

// SquareSignature is base64(HMAC-SHA256(key, notificationURL + body)).
func SquareSignature(key, notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (a *SquareAdapter) Parse(body []byte, _ http.Header) (*DonationEvent, error) {
	var n SquareNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, malformed("decode square notification: %v", err)
	}
	if n.Type == "" {
		return nil, malformed("square notification missing type")
	}

	var (
		e   *DonationEvent
		err error
	)
	switch n.Type {
	case "payment.created", "payment.updated":
		if n.Data.Object.Payment == nil {
			return nil, malformed("square %s without payment object", n.Type)
		}
		e, err = SquarePaymentEvent(n.Data.Object.Payment)
	case "refund.created", "refund.updated":
		if n.Data.Object.Refund == nil {
			return nil, malformed("square %s without refund object", n.Type)
		}
		e, err = squareRefundEvent(n.Data.Object.Refund)
	default:
		return nil, ErrIgnoredEvent
	}
	if err != nil {
		return nil, err
	}

	e.EventID = n.EventID
	e.EventType = n.Type
	return e, nil
}

// SquareStatus maps Square payment statuses onto the ledger lifecycle.
func SquareStatus(raw string) (model.TransactionStatus, error) {
	switch strings.ToUpper(raw) {
	case "COMPLETED":
		return model.StatusCompleted, nil
	case "APPROVED", "PENDING":
		return model.StatusPending, nil
	case "FAILED", "CANCELED":
		return model.StatusFailed, nil
	case "REFUNDED":
		return model.StatusRefunded, nil
	}
	return "", malformed("unknown square status %q", raw)
}

// SquarePaymentEvent converts a Square payment, from a webhook or from
// ListPayments, into a canonical event.
func SquarePaymentEvent(p *SquarePayment) (*DonationEvent, error) {
	if p == nil || p.ID == "" {
		return nil, malformed("square payment without id")
	}
	status, err := SquareStatus(p.Status)
	if err != nil {
		return nil, err
	}

	money := p.AmountMoney
	if p.TotalMoney != nil {
		money = *p.TotalMoney
	}

	e := &DonationEvent{
		Provider:              model.ProviderSquare,
		ProviderTransactionID: p.ID,
		ProviderSessionID:     optional(p.OrderID),
		AmountMinorUnits:      money.Amount,
		Currency:              normalizeCurrency(money.Currency),
		RawStatus:             p.Status,
		Status:                status,
		PayerEmail:            normalizeEmail(p.BuyerEmailAddress),
		Message:               optional(p.Note),
		IsPublic:              true,
		OccurredAt:            parseSquareTime(p.CreatedAt),
	}
	if p.BillingAddress != nil {
		e.PayerDisplayName = optional(p.BillingAddress.FirstName + " " + p.BillingAddress.LastName)
	}

	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

func squareRefundEvent(r *SquareRefund) (*DonationEvent, error) {
	if r.PaymentID == "" {
		return nil, malformed("square refund without payment_id")
	}
	// only a settled refund moves the payment; pending refunds are noise
	if strings.ToUpper(r.Status) != "COMPLETED" {
		return nil, ErrIgnoredEvent
	}

	e := &DonationEvent{
		Provider:              model.ProviderSquare,
		ProviderTransactionID: r.PaymentID,
		AmountMinorUnits:      r.AmountMoney.Amount,
		Currency:              normalizeCurrency(r.AmountMoney.Currency),
		RawStatus:             "REFUNDED",
		Status:                model.StatusRefunded,
		IsPublic:              true,
		OccurredAt:            parseSquareTime(r.CreatedAt),
	}
	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

func parseSquareTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
