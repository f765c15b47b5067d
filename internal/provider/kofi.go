package provider

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"supporter-ledger/internal/model"
)

type KofiShopItem struct {
	DirectLinkCode string `json:"direct_link_code"`
	VariationName  string `json:"variation_name"`
	Quantity       int    `json:"quantity"`
}

// KofiPayload is the JSON document Ko-fi posts in the "data" form field.
type KofiPayload struct {
	VerificationToken          string         `json:"verification_token"`
	MessageID                  string         `json:"message_id"`
	Timestamp                  string         `json:"timestamp"`
	Type                       string         `json:"type"`
	IsPublic                   bool           `json:"is_public"`
	FromName                   string         `json:"from_name"`
	Message                    *string        `json:"message"`
	Amount                     string         `json:"amount"`
	URL                        string         `json:"url"`
	Email                      string         `json:"email"`
	Currency                   string         `json:"currency"`
	IsSubscriptionPayment      bool           `json:"is_subscription_payment"`
	IsFirstSubscriptionPayment bool           `json:"is_first_subscription_payment"`
	KofiTransactionID          string         `json:"kofi_transaction_id"`
	ShopItems                  []KofiShopItem `json:"shop_items"`
	TierName                   *string        `json:"tier_name"`
}

type KofiAdapter struct {
	verificationToken string
}

func NewKofiAdapter(verificationToken string) *KofiAdapter {
	return &KofiAdapter{verificationToken: verificationToken}
}

func (a *KofiAdapter) Provider() model.Provider {
	return model.ProviderKofi
}

// Verify compares the token Ko-fi embeds in the body. A body we cannot read
// the token from is treated as unauthenticated.
func (a *KofiAdapter) Verify(body []byte, _ http.Header) error {
	if a.verificationToken == "" {
		return fmt.Errorf("%w: kofi verification token not configured", ErrAuthenticityFailure)
	}
	payload, err := decodeKofi(body)
	if err != nil {
		return fmt.Errorf("%w: kofi token unreadable", ErrAuthenticityFailure)
	}
	if subtle.ConstantTimeCompare([]byte(payload.VerificationToken), []byte(a.verificationToken)) != 1 {
		return fmt.Errorf("%w: kofi token mismatch", ErrAuthenticityFailure)
	}
	return nil
}

func (a *KofiAdapter) Parse(body []byte, _ http.Header) (*DonationEvent, error) {
	payload, err := decodeKofi(body)
	if err != nil {
		return nil, err
	}
	if payload.KofiTransactionID == "" {
		return nil, malformed("kofi payload missing kofi_transaction_id")
	}

	currency := normalizeCurrency(payload.Currency)
	amount, err := MinorUnits(payload.Amount, currency)
	if err != nil {
		return nil, err
	}

	// Ko-fi only notifies once money has moved.
	status, err := KofiStatus(payload.Type)
	if err != nil {
		return nil, err
	}

	e := &DonationEvent{
		Provider:              model.ProviderKofi,
		ProviderTransactionID: payload.KofiTransactionID,
		AmountMinorUnits:      amount,
		Currency:              currency,
		RawStatus:             payload.Type,
		Status:                status,
		PayerEmail:            normalizeEmail(payload.Email),
		PayerDisplayName:      optional(payload.FromName),
		IsPublic:              payload.IsPublic,
		EventID:               payload.MessageID,
		EventType:             payload.Type,
	}
	if payload.Message != nil {
		e.Message = optional(*payload.Message)
	}
	if t, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
		e.OccurredAt = t.UTC()
	}

	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Redact returns the data document with verification_token blanked.
func (a *KofiAdapter) Redact(body []byte) []byte {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(form.Get("data")), &doc); err != nil {
		return nil
	}
	if _, ok := doc["verification_token"]; ok {
		doc["verification_token"] = ""
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return b
}

func KofiStatus(raw string) (model.TransactionStatus, error) {
	switch raw {
	case "Donation", "Subscription", "Commission", "Shop Order":
		return model.StatusCompleted, nil
	}
	return "", malformed("unknown kofi type %q", raw)
}

func decodeKofi(body []byte) (*KofiPayload, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, malformed("decode kofi form: %v", err)
	}
	data := form.Get("data")
	if data == "" {
		return nil, malformed("kofi form missing data field")
	}
	var payload KofiPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, malformed("decode kofi data: %v", err)
	}
	return &payload, nil
}

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// CurrencyExponent is the number of minor-unit digits for a lowercase
// currency code.
func CurrencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[currency] {
		return 0
	}
	return 2
}

// MinorUnits converts a decimal amount string ("3.50") into integer minor
// units for currency. Fractions smaller than one minor unit are rejected
// rather than rounded.
func MinorUnits(amount, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, malformed("invalid amount %q", amount)
	}
	if d.IsNegative() {
		return 0, malformed("negative amount %q", amount)
	}
	minor := d.Shift(CurrencyExponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, malformed("amount %q has more precision than %s allows", amount, currency)
	}
	return minor.IntPart(), nil
}
