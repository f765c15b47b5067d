package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"supporter-ledger/internal/config"
	"supporter-ledger/internal/provider"
)

type SquarePaymentLinkParams struct {
	Name             string
	AmountMinorUnits int64
	Currency         string
	BuyerEmail       string
	Note             string
	RedirectURL      string
}

type SquareClient interface {
	// CreatePaymentLink returns the link's order id as SessionID: that is the
	// value Square later reports as payment.order_id.
	CreatePaymentLink(ctx context.Context, p *SquarePaymentLinkParams) (*CheckoutSession, error)
	// ListPayments calls fn for every payment created in [from, to).
	ListPayments(ctx context.Context, from, to time.Time, fn func(*provider.SquarePayment) error) error
}

const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
)

type squareClientImpl struct {
	httpClient  *http.Client
	baseApiURL  string
	accessToken string
	locationID  string
	apiVersion  string
	maxRetries  int
	retryBase   time.Duration
}

func NewSquareClient(squareCfg *config.Square, sweepCfg *config.Sweep) SquareClient {
	return &squareClientImpl{
		httpClient: &http.Client{
			Timeout: sweepCfg.HTTPTimeout,
		},
		baseApiURL:  strings.TrimRight(squareCfg.BaseApiURL, "/"),
		accessToken: squareCfg.AccessToken,
		locationID:  squareCfg.LocationID,
		apiVersion:  squareCfg.APIVersion,
		maxRetries:  sweepCfg.MaxRetries,
		retryBase:   retryBaseDelay,
	}
}

type squareError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type squarePaymentLinkResult struct {
	PaymentLink struct {
		ID      string `json:"id"`
		URL     string `json:"url"`
		OrderID string `json:"order_id"`
	} `json:"payment_link"`
	Errors []squareError `json:"errors"`
}

type squareListPaymentsResult struct {
	Payments []*provider.SquarePayment `json:"payments"`
	Cursor   string                    `json:"cursor"`
	Errors   []squareError             `json:"errors"`
}

func (c *squareClientImpl) CreatePaymentLink(ctx context.Context, p *SquarePaymentLinkParams) (*CheckoutSession, error) {
	payload := map[string]interface{}{
		"idempotency_key": uuid.NewString(),
		"quick_pay": map[string]interface{}{
			"name": p.Name,
			"price_money": map[string]interface{}{
				"amount":   p.AmountMinorUnits,
				"currency": strings.ToUpper(p.Currency),
			},
			"location_id": c.locationID,
		},
	}
	if p.RedirectURL != "" {
		payload["checkout_options"] = map[string]string{"redirect_url": p.RedirectURL}
	}
	if p.BuyerEmail != "" {
		payload["pre_populated_data"] = map[string]string{"buyer_email": p.BuyerEmail}
	}
	if p.Note != "" {
		payload["payment_note"] = p.Note
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal req payload: %w", err)
	}

	var res squarePaymentLinkResult
	// the idempotency key makes a retried create safe
	err = c.retry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/v2/online-checkout/payment-links", body, &res)
	})
	if err != nil {
		return nil, fmt.Errorf("square create payment link: %w", err)
	}
	if res.PaymentLink.OrderID == "" || res.PaymentLink.URL == "" {
		return nil, fmt.Errorf("square create payment link: response missing order id or url")
	}

	return &CheckoutSession{
		SessionID:   res.PaymentLink.OrderID,
		CheckoutURL: res.PaymentLink.URL,
	}, nil
}

func (c *squareClientImpl) ListPayments(ctx context.Context, from, to time.Time, fn func(*provider.SquarePayment) error) error {
	cursor := ""
	for {
		q := url.Values{}
		q.Set("begin_time", from.UTC().Format(time.RFC3339))
		q.Set("end_time", to.UTC().Format(time.RFC3339))
		q.Set("sort_order", "ASC")
		if c.locationID != "" {
			q.Set("location_id", c.locationID)
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var page squareListPaymentsResult
		err := c.retry(ctx, func() error {
			page = squareListPaymentsResult{}
			return c.do(ctx, http.MethodGet, "/v2/payments?"+q.Encode(), nil, &page)
		})
		if err != nil {
			return fmt.Errorf("square list payments: %w", err)
		}

		for _, p := range page.Payments {
			if err := fn(p); err != nil {
				return err
			}
		}

		if page.Cursor == "" {
			return nil
		}
		cursor = page.Cursor
	}
}

// retry runs op with exponential backoff, at most maxRetries extra times.
// Errors wrapped with backoff.Permanent end it at once.
func (c *squareClientImpl) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = retryMaxDelay
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.maxRetries, 0))), ctx))
}

// do performs one request. Network errors, 429 and 5xx are left retryable;
// everything else comes back as a backoff.Permanent error.
func (c *squareClientImpl) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseApiURL+path, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("http new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	if c.apiVersion != "" {
		req.Header.Set("Square-Version", c.apiVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("square returned %d: %s", resp.StatusCode, squareErrorSummary(raw))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func squareErrorSummary(raw []byte) string {
	var res struct {
		Errors []squareError `json:"errors"`
	}
	if json.Unmarshal(raw, &res) != nil || len(res.Errors) == 0 {
		return "no error detail"
	}
	parts := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		parts = append(parts, e.Code+": "+e.Detail)
	}
	return strings.Join(parts, "; ")
}
