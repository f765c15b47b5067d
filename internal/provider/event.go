// Package provider turns each payment provider's webhook payload into one
// canonical DonationEvent and checks that the payload really came from that
// provider. Nothing in here touches the database.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"supporter-ledger/internal/model"
)

var (
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrAuthenticityFailure = errors.New("authenticity check failed")
	// ErrIgnoredEvent marks a well-formed, authentic delivery of an event type
	// the ledger does not track. It is acknowledged without side effects.
	ErrIgnoredEvent = errors.New("event type not tracked")
)

// DonationEvent is the provider-agnostic form of a payment report.
type DonationEvent struct {
	Provider              model.Provider          `validate:"oneof=stripe square kofi manual"`
	ProviderTransactionID string                  `validate:"required,max=128"`
	AmountMinorUnits      int64                   `validate:"gte=0"`
	Currency              string                  `validate:"required,len=3,lowercase"`
	RawStatus             string                  `validate:"required"`
	Status                model.TransactionStatus `validate:"oneof=pending completed failed refunded"`
	PayerEmail            *string
	PayerDisplayName      *string
	Message               *string
	ProviderSessionID     *string
	ProductID             *string
	IsPublic              bool
	OccurredAt            time.Time

	// delivery metadata, used for the webhook audit trail only
	EventID   string
	EventType string
}

// Adapter is implemented once per provider.
type Adapter interface {
	Provider() model.Provider
	Verify(body []byte, headers http.Header) error
	Parse(body []byte, headers http.Header) (*DonationEvent, error)
}

// Redactor is implemented by adapters whose bodies carry a shared secret. The
// returned JSON is what may be stored; nil means nothing of the body may be.
type Redactor interface {
	Redact(body []byte) []byte
}

type Registry struct {
	adapters map[model.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) Get(p model.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

var validate = validator.New()

// Validate checks the invariants every adapter output must hold.
func Validate(e *DonationEvent) error {
	if e == nil {
		return fmt.Errorf("%w: empty event", ErrMalformedPayload)
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func normalizeEmail(s string) *string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	return &s
}

func normalizeCurrency(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}
