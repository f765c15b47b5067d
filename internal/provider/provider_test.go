package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"supporter-ledger/internal/model"
)

const (
	testStripeSecret = "whsec_test_secret"
	testSquareKey    = "square-signature-key"
	testSquareURL    = "https://ledger.example.com/api/webhooks/square"
	testKofiToken    = "kofi-token-123"
)

func stripeSignedHeaders(t *testing.T, body []byte, secret string) http.Header {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(body)
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func stripeEventBody(eventType, sessionID, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_%s",
		"object": "event",
		"type": %q,
		"created": 1700000000,
		"data": {"object": {
			"id": %q,
			"object": "checkout.session",
			"amount_total": 500,
			"currency": "USD",
			"payment_status": %q,
			"created": 1700000000,
			"customer_details": {"email": " Fan@Example.com ", "name": "Fan One"},
			"metadata": {"product_id": "supporter_badge", "message": "gg"}
		}}
	}`, sessionID, eventType, sessionID, paymentStatus))
}

func kofiBody(t *testing.T, token string, mutate func(map[string]any)) []byte {
	t.Helper()
	payload := map[string]any{
		"verification_token":  token,
		"message_id":          "msg-1",
		"timestamp":           "2024-05-01T10:00:00Z",
		"type":                "Donation",
		"is_public":           true,
		"from_name":           "Pat",
		"message":             "keep it up",
		"amount":              "3.50",
		"email":               "P@example.com",
		"currency":            "USD",
		"kofi_transaction_id": "kofi-tx-1",
	}
	if mutate != nil {
		mutate(payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal kofi payload: %v", err)
	}
	return []byte(url.Values{"data": {string(data)}}.Encode())
}

func TestStripeVerify(t *testing.T) {
	a := NewStripeAdapter(testStripeSecret)
	body := stripeEventBody("checkout.session.completed", "cs_1", "paid")

	if err := a.Verify(body, stripeSignedHeaders(t, body, testStripeSecret)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	tests := []struct {
		name    string
		headers http.Header
	}{
		{name: "missing header", headers: http.Header{}},
		{name: "wrong secret", headers: stripeSignedHeaders(t, body, "whsec_other")},
		{name: "garbage header", headers: http.Header{"Stripe-Signature": {"nonsense"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Verify(body, tt.headers)
			if !errors.Is(err, ErrAuthenticityFailure) {
				t.Errorf("Verify() = %v; want ErrAuthenticityFailure", err)
			}
		})
	}

	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = ' '
	if err := a.Verify(tampered, stripeSignedHeaders(t, body, testStripeSecret)); !errors.Is(err, ErrAuthenticityFailure) {
		t.Errorf("tampered body accepted: %v", err)
	}
}

func TestStripeParse(t *testing.T) {
	a := NewStripeAdapter(testStripeSecret)

	tests := []struct {
		name       string
		eventType  string
		payStatus  string
		wantStatus model.TransactionStatus
	}{
		{name: "completed paid", eventType: "checkout.session.completed", payStatus: "paid", wantStatus: model.StatusCompleted},
		{name: "completed unpaid", eventType: "checkout.session.completed", payStatus: "unpaid", wantStatus: model.StatusPending},
		{name: "async succeeded", eventType: "checkout.session.async_payment_succeeded", payStatus: "paid", wantStatus: model.StatusCompleted},
		{name: "async failed", eventType: "checkout.session.async_payment_failed", payStatus: "unpaid", wantStatus: model.StatusFailed},
		{name: "expired", eventType: "checkout.session.expired", payStatus: "unpaid", wantStatus: model.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := a.Parse(stripeEventBody(tt.eventType, "cs_42", tt.payStatus), nil)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if e.Status != tt.wantStatus {
				t.Errorf("Status = %s; want %s", e.Status, tt.wantStatus)
			}
			if e.ProviderTransactionID != "cs_42" || e.ProviderSessionID == nil || *e.ProviderSessionID != "cs_42" {
				t.Errorf("ids = %q / %v; want cs_42", e.ProviderTransactionID, e.ProviderSessionID)
			}
			if e.AmountMinorUnits != 500 || e.Currency != "usd" {
				t.Errorf("amount = %d %s; want 500 usd", e.AmountMinorUnits, e.Currency)
			}
			if e.PayerEmail == nil || *e.PayerEmail != "fan@example.com" {
				t.Errorf("PayerEmail = %v; want fan@example.com", e.PayerEmail)
			}
			if e.ProductID == nil || *e.ProductID != "supporter_badge" {
				t.Errorf("ProductID = %v; want supporter_badge", e.ProductID)
			}
			if e.EventID != "evt_cs_42" {
				t.Errorf("EventID = %q", e.EventID)
			}
		})
	}
}

func TestStripeParseIgnoredAndMalformed(t *testing.T) {
	a := NewStripeAdapter(testStripeSecret)

	_, err := a.Parse([]byte(`{"id":"evt_1","object":"event","type":"customer.created","data":{"object":{}}}`), nil)
	if !errors.Is(err, ErrIgnoredEvent) {
		t.Errorf("customer.created: err = %v; want ErrIgnoredEvent", err)
	}

	_, err = a.Parse([]byte(`{not json`), nil)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("garbage: err = %v; want ErrMalformedPayload", err)
	}
}

func squareBody(paymentID, status string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"merchant_id": "M1",
		"type": "payment.updated",
		"event_id": "evt-%s-%s",
		"created_at": "2024-05-01T10:00:00Z",
		"data": {"type": "payment", "id": %q, "object": {"payment": {
			"id": %q,
			"status": %q,
			"amount_money": {"amount": %d, "currency": "USD"},
			"order_id": "order-%s",
			"buyer_email_address": "buyer@example.com",
			"note": "for the servers",
			"created_at": "2024-05-01T09:59:00Z"
		}}}
	}`, paymentID, status, paymentID, paymentID, status, amount, paymentID))
}

func TestSquareVerify(t *testing.T) {
	a := NewSquareAdapter(testSquareKey, testSquareURL)
	body := squareBody("ABC123", "COMPLETED", 100)

	good := http.Header{}
	good.Set("x-square-hmacsha256-signature", SquareSignature(testSquareKey, testSquareURL, body))
	if err := a.Verify(body, good); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	wrongURL := http.Header{}
	wrongURL.Set("x-square-hmacsha256-signature", SquareSignature(testSquareKey, "https://evil.example.com", body))
	if err := a.Verify(body, wrongURL); !errors.Is(err, ErrAuthenticityFailure) {
		t.Errorf("signature over other url accepted: %v", err)
	}

	if err := a.Verify(body, http.Header{}); !errors.Is(err, ErrAuthenticityFailure) {
		t.Errorf("missing signature accepted: %v", err)
	}

	unconfigured := NewSquareAdapter("", testSquareURL)
	if err := unconfigured.Verify(body, good); !errors.Is(err, ErrAuthenticityFailure) {
		t.Errorf("unconfigured key accepted: %v", err)
	}
}

func TestSquareParse(t *testing.T) {
	a := NewSquareAdapter(testSquareKey, testSquareURL)

	tests := []struct {
		status string
		want   model.TransactionStatus
	}{
		{status: "COMPLETED", want: model.StatusCompleted},
		{status: "APPROVED", want: model.StatusPending},
		{status: "PENDING", want: model.StatusPending},
		{status: "FAILED", want: model.StatusFailed},
		{status: "CANCELED", want: model.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			e, err := a.Parse(squareBody("ABC123", tt.status, 100), nil)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if e.Status != tt.want {
				t.Errorf("Status = %s; want %s", e.Status, tt.want)
			}
			if e.Provider != model.ProviderSquare || e.ProviderTransactionID != "ABC123" {
				t.Errorf("key = %s/%s", e.Provider, e.ProviderTransactionID)
			}
			if e.AmountMinorUnits != 100 || e.Currency != "usd" {
				t.Errorf("amount = %d %s; want 100 usd", e.AmountMinorUnits, e.Currency)
			}
			if e.ProviderSessionID == nil || *e.ProviderSessionID != "order-ABC123" {
				t.Errorf("ProviderSessionID = %v", e.ProviderSessionID)
			}
		})
	}
}

func TestSquareParseRefund(t *testing.T) {
	a := NewSquareAdapter(testSquareKey, testSquareURL)
	body := []byte(`{
		"type": "refund.updated",
		"event_id": "evt-r1",
		"data": {"type": "refund", "id": "R1", "object": {"refund": {
			"id": "R1", "status": "COMPLETED", "payment_id": "ABC123",
			"amount_money": {"amount": 100, "currency": "USD"}
		}}}
	}`)
	e, err := a.Parse(body, nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if e.Status != model.StatusRefunded || e.ProviderTransactionID != "ABC123" {
		t.Errorf("got %s for %s; want refunded for ABC123", e.Status, e.ProviderTransactionID)
	}

	pending := []byte(`{"type":"refund.created","data":{"object":{"refund":{"id":"R2","status":"PENDING","payment_id":"ABC123","amount_money":{"amount":100,"currency":"USD"}}}}}`)
	if _, err := a.Parse(pending, nil); !errors.Is(err, ErrIgnoredEvent) {
		t.Errorf("pending refund: err = %v; want ErrIgnoredEvent", err)
	}
}

func TestKofiVerify(t *testing.T) {
	a := NewKofiAdapter(testKofiToken)

	if err := a.Verify(kofiBody(t, testKofiToken, nil), nil); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := a.Verify(kofiBody(t, "wrong", nil), nil); !errors.Is(err, ErrAuthenticityFailure) {
		t.Errorf("wrong token accepted: %v", err)
	}
	if err := a.Verify([]byte("data=%7Bbroken"), nil); !errors.Is(err, ErrAuthenticityFailure) {
		t.Errorf("unreadable body accepted: %v", err)
	}
}

func TestKofiParse(t *testing.T) {
	a := NewKofiAdapter(testKofiToken)

	e, err := a.Parse(kofiBody(t, testKofiToken, nil), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if e.Status != model.StatusCompleted || e.AmountMinorUnits != 350 || e.Currency != "usd" {
		t.Errorf("got %s %d %s; want completed 350 usd", e.Status, e.AmountMinorUnits, e.Currency)
	}
	if e.PayerEmail == nil || *e.PayerEmail != "p@example.com" {
		t.Errorf("PayerEmail = %v", e.PayerEmail)
	}
	if e.ProviderSessionID != nil {
		t.Errorf("kofi has no checkout session, got %v", *e.ProviderSessionID)
	}

	private, err := a.Parse(kofiBody(t, testKofiToken, func(m map[string]any) {
		m["is_public"] = false
		m["message"] = nil
	}), nil)
	if err != nil {
		t.Fatalf("Parse() private error = %v", err)
	}
	if private.IsPublic || private.Message != nil {
		t.Errorf("private donation: IsPublic=%v Message=%v", private.IsPublic, private.Message)
	}

	_, err = a.Parse(kofiBody(t, testKofiToken, func(m map[string]any) { m["amount"] = "1.234" }), nil)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("sub-cent amount: err = %v; want ErrMalformedPayload", err)
	}
}

func TestKofiRedact(t *testing.T) {
	a := NewKofiAdapter(testKofiToken)

	out := a.Redact(kofiBody(t, testKofiToken, nil))
	if strings.Contains(string(out), testKofiToken) {
		t.Fatalf("Redact() kept the token: %s", out)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("Redact() output is not JSON: %v", err)
	}
	if doc["kofi_transaction_id"] != "kofi-tx-1" || doc["verification_token"] != "" {
		t.Errorf("redacted doc = %v", doc)
	}

	if out := a.Redact([]byte("data=%7Bbroken")); out != nil {
		t.Errorf("Redact(unreadable) = %s; want nil", out)
	}
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     int64
		wantErr  bool
	}{
		{amount: "3.00", currency: "usd", want: 300},
		{amount: "0.1", currency: "eur", want: 10},
		{amount: "500", currency: "jpy", want: 500},
		{amount: "5.5", currency: "jpy", wantErr: true},
		{amount: "-1.00", currency: "usd", wantErr: true},
		{amount: "abc", currency: "usd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.amount+tt.currency, func(t *testing.T) {
			got, err := MinorUnits(tt.amount, tt.currency)
			if (err != nil) != tt.wantErr {
				t.Fatalf("MinorUnits(%q, %q) err = %v; wantErr %v", tt.amount, tt.currency, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("MinorUnits(%q, %q) = %d; want %d", tt.amount, tt.currency, got, tt.want)
			}
		})
	}
}

func TestManual(t *testing.T) {
	a := NewManualAdapter()
	if err := a.Verify([]byte(`{}`), nil); !errors.Is(err, ErrAuthenticityFailure) {
		t.Errorf("manual over http must be rejected, got %v", err)
	}

	e, err := a.Parse([]byte(`{"transaction_id":"bank-7","amount_minor_units":2500,"currency":"EUR","payer_email":"x@example.com"}`), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if e.Status != model.StatusCompleted || e.Currency != "eur" || e.ProviderTransactionID != "bank-7" {
		t.Errorf("got %+v", e)
	}

	if _, err := a.Parse([]byte(`{"transaction_id":"bank-8","amount_minor_units":1,"currency":"eur","status":"settled"}`), nil); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("unknown status: err = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewStripeAdapter("s"), NewKofiAdapter("k"))
	if a, ok := r.Get(model.ProviderStripe); !ok || a.Provider() != model.ProviderStripe {
		t.Error("stripe adapter not registered")
	}
	if _, ok := r.Get(model.ProviderSquare); ok {
		t.Error("square adapter unexpectedly registered")
	}
}
