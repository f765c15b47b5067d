package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v74"
	stripeclient "github.com/stripe/stripe-go/v74/client"

	"supporter-ledger/internal/config"
)

type StripeCheckoutParams struct {
	UserID           string
	Email            string
	ProductName      string
	AmountMinorUnits int64
	Currency         string
	SuccessURL       string
	CancelURL        string
	Metadata         map[string]string
}

type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
}

type StripeClient interface {
	CreateCheckoutSession(ctx context.Context, p *StripeCheckoutParams) (*CheckoutSession, error)
	// ListCheckoutSessions calls fn for every session created in [from, to).
	ListCheckoutSessions(ctx context.Context, from, to time.Time, fn func(*stripe.CheckoutSession) error) error
}

type stripeClientImpl struct {
	api *stripeclient.API
}

// NewStripeClient builds a dedicated API instance; the package-level
// stripe.Key is never set.
func NewStripeClient(cfg *config.Stripe, sweepCfg *config.Sweep) StripeClient {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: sweepCfg.HTTPTimeout},
		MaxNetworkRetries: stripe.Int64(int64(sweepCfg.MaxRetries)),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	api := &stripeclient.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})
	return &stripeClientImpl{api: api}
}

func (c *stripeClientImpl) CreateCheckoutSession(ctx context.Context, p *StripeCheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(p.Currency),
					UnitAmount: stripe.Int64(p.AmountMinorUnits),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	cs, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create checkout session: %w", err)
	}
	return &CheckoutSession{SessionID: cs.ID, CheckoutURL: cs.URL}, nil
}

func (c *stripeClientImpl) ListCheckoutSessions(ctx context.Context, from, to time.Time, fn func(*stripe.CheckoutSession) error) error {
	params := &stripe.CheckoutSessionListParams{}
	params.Filters.AddFilter("created", "gte", strconv.FormatInt(from.Unix(), 10))
	params.Filters.AddFilter("created", "lt", strconv.FormatInt(to.Unix(), 10))
	params.Context = ctx

	it := c.api.CheckoutSessions.List(params)
	for it.Next() {
		if err := fn(it.CheckoutSession()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("stripe list checkout sessions: %w", err)
	}
	return nil
}
