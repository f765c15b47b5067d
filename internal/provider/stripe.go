package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"supporter-ledger/internal/model"
)

const (
	stripeSignatureHeader = "Stripe-Signature"

	// metadata keys we attach when creating a checkout session
	StripeMetadataProductID = "product_id"
	StripeMetadataMessage   = "message"
)

type StripeAdapter struct {
	webhookSecret string
}

func NewStripeAdapter(webhookSecret string) *StripeAdapter {
	return &StripeAdapter{webhookSecret: webhookSecret}
}

func (a *StripeAdapter) Provider() model.Provider {
	return model.ProviderStripe
}

func (a *StripeAdapter) Verify(body []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return fmt.Errorf("%w: stripe webhook secret not configured", ErrAuthenticityFailure)
	}
	sig := headers.Get(stripeSignatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", ErrAuthenticityFailure, stripeSignatureHeader)
	}
	if err := webhook.ValidatePayload(body, sig, a.webhookSecret); err != nil {
		return fmt.Errorf("%w: stripe signature rejected", ErrAuthenticityFailure)
	}
	return nil
}

func (a *StripeAdapter) Parse(body []byte, _ http.Header) (*DonationEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, malformed("decode stripe event: %v", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, malformed("stripe event missing id or type")
	}

	var rawStatus string
	switch event.Type {
	case "checkout.session.completed":
		// raw status comes from the session's payment_status below
	case "checkout.session.async_payment_succeeded":
		rawStatus = "async_payment_succeeded"
	case "checkout.session.async_payment_failed":
		rawStatus = "async_payment_failed"
	case "checkout.session.expired":
		rawStatus = "expired"
	default:
		return nil, ErrIgnoredEvent
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, malformed("stripe event %s has no data object", event.ID)
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, malformed("decode checkout session: %v", err)
	}
	if rawStatus == "" {
		rawStatus = string(cs.PaymentStatus)
	}

	e, err := StripeSessionEvent(&cs, rawStatus)
	if err != nil {
		return nil, err
	}
	e.EventID = event.ID
	e.EventType = string(event.Type)
	if e.OccurredAt.IsZero() && event.Created > 0 {
		e.OccurredAt = time.Unix(event.Created, 0).UTC()
	}
	return e, nil
}

// StripeStatus maps Stripe's checkout vocabulary onto the ledger lifecycle.
func StripeStatus(raw string) (model.TransactionStatus, error) {
	switch raw {
	case "paid", "no_payment_required", "async_payment_succeeded":
		return model.StatusCompleted, nil
	case "unpaid":
		return model.StatusPending, nil
	case "async_payment_failed", "expired":
		return model.StatusFailed, nil
	}
	return "", malformed("unknown stripe status %q", raw)
}

// StripeSessionEvent converts a checkout session, from a webhook or from the
// list API, into a canonical event.
func StripeSessionEvent(cs *stripe.CheckoutSession, rawStatus string) (*DonationEvent, error) {
	if cs == nil || cs.ID == "" {
		return nil, malformed("checkout session without id")
	}
	status, err := StripeStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	e := &DonationEvent{
		Provider:              model.ProviderStripe,
		ProviderTransactionID: cs.ID,
		ProviderSessionID:     optional(cs.ID),
		AmountMinorUnits:      cs.AmountTotal,
		Currency:              normalizeCurrency(string(cs.Currency)),
		RawStatus:             rawStatus,
		Status:                status,
		IsPublic:              true,
	}
	if cs.CustomerDetails != nil {
		e.PayerEmail = normalizeEmail(cs.CustomerDetails.Email)
		e.PayerDisplayName = optional(cs.CustomerDetails.Name)
	}
	if e.PayerEmail == nil {
		e.PayerEmail = normalizeEmail(cs.CustomerEmail)
	}
	if cs.Metadata != nil {
		e.Message = optional(cs.Metadata[StripeMetadataMessage])
		e.ProductID = optional(cs.Metadata[StripeMetadataProductID])
	}
	if cs.Created > 0 {
		e.OccurredAt = time.Unix(cs.Created, 0).UTC()
	}

	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}
