package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stripe/stripe-go/v74"
	"gorm.io/gorm"

	"supporter-ledger/internal/client"
	"supporter-ledger/internal/config"
	"supporter-ledger/internal/dto"
	"supporter-ledger/internal/middleware"
	"supporter-ledger/internal/model"
	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/repository"
	"supporter-ledger/internal/service"
	"supporter-ledger/internal/testutil"
)

const (
	testJWTSecret    = "jwt-secret"
	testKofiToken    = "kofi-token"
	testStripeSecret = "whsec_test"
)

type fakeStripe struct {
	CreateFunc func(ctx context.Context, p *client.StripeCheckoutParams) (*client.CheckoutSession, error)
}

func (f *fakeStripe) CreateCheckoutSession(ctx context.Context, p *client.StripeCheckoutParams) (*client.CheckoutSession, error) {
	return f.CreateFunc(ctx, p)
}

func (f *fakeStripe) ListCheckoutSessions(context.Context, time.Time, time.Time, func(*stripe.CheckoutSession) error) error {
	return nil
}

type testServer struct {
	srv    *Server
	db     *gorm.DB
	stripe *fakeStripe
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testutil.NewDB(t)
	ctx := context.Background()

	txRepo := repository.NewTransactionRepository(db)
	productRepo := repository.NewProductRepository(db)
	entitlementRepo := repository.NewEntitlementRepository(db)
	intentRepo := repository.NewIntentRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	anomalyRepo := repository.NewAnomalyRepository(db)
	if err := productRepo.Seed(ctx, repository.DefaultProducts); err != nil {
		t.Fatalf("seed products: %v", err)
	}

	resolver := service.NewResolverService(db, txRepo, intentRepo, accountRepo)
	grantor := service.NewGrantorService(db, txRepo, productRepo, entitlementRepo)
	ingest := service.NewIngestService(db, txRepo, anomalyRepo, resolver, grantor)

	stripeFake := &fakeStripe{
		CreateFunc: func(context.Context, *client.StripeCheckoutParams) (*client.CheckoutSession, error) {
			return &client.CheckoutSession{SessionID: "cs_test_1", CheckoutURL: "https://checkout.stripe.com/c/cs_test_1"}, nil
		},
	}
	checkout := service.NewCheckoutService(db, stripeFake, nil, config.Checkout{IntentTTL: time.Hour}, accountRepo, productRepo, intentRepo)
	query := service.NewQueryService(txRepo, entitlementRepo, anomalyRepo, nil)

	registry := provider.NewRegistry(
		provider.NewStripeAdapter(testStripeSecret),
		provider.NewKofiAdapter(testKofiToken),
		provider.NewManualAdapter(),
	)

	srv := NewServer(testJWTSecret, registry, ingest, checkout, query, repository.NewWebhookEventRepository(db))
	return &testServer{srv: srv, db: db, stripe: stripeFake}
}

func (ts *testServer) do(t *testing.T, method, target, body, contentType, bearer string, headers http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, sub, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &middleware.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func kofiForm(t *testing.T, token, txID string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"verification_token":  token,
		"message_id":          "msg-" + txID,
		"timestamp":           "2024-05-01T10:00:00Z",
		"type":                "Donation",
		"is_public":           true,
		"from_name":           "Pat",
		"message":             "keep it up",
		"amount":              "3.50",
		"email":               "p@example.com",
		"currency":            "USD",
		"kofi_transaction_id": txID,
	})
	if err != nil {
		t.Fatalf("marshal kofi payload: %v", err)
	}
	return url.Values{"data": {string(data)}}.Encode()
}

func stripeSignature(body string) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testStripeSecret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, body)))
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/api/health", "", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
}

func TestKofiWebhook(t *testing.T) {
	ts := newTestServer(t)
	testutil.SeedAccount(t, ts.db, "user-p", "p@example.com", "Pat")
	form := "application/x-www-form-urlencoded"

	tests := []struct {
		name string
		body string
		want int
	}{
		{"first delivery", kofiForm(t, testKofiToken, "kofi-1"), http.StatusOK},
		{"redelivery", kofiForm(t, testKofiToken, "kofi-1"), http.StatusOK},
		{"wrong token", kofiForm(t, "forged", "kofi-2"), http.StatusUnauthorized},
		{"missing transaction id", kofiForm(t, testKofiToken, ""), http.StatusBadRequest},
		{"not a form", "data=%7Bnope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/webhooks/kofi", tt.body, form, "", nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d; want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	var rows []model.DonationTransaction
	if err := ts.db.Find(&rows).Error; err != nil {
		t.Fatalf("load transactions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("transactions = %d; want 1", len(rows))
	}
	if rows[0].UserID == nil || *rows[0].UserID != "user-p" || rows[0].AmountMinorUnits != 350 {
		t.Errorf("row = %+v; want 350 linked to user-p", rows[0])
	}

	var audit []model.WebhookEvent
	if err := ts.db.Where("event_id = ?", "msg-kofi-1").Find(&audit).Error; err != nil {
		t.Fatalf("load webhook events: %v", err)
	}
	if len(audit) != 1 || audit[0].Outcome != "noop_already_completed" {
		t.Errorf("audit = %+v; want one row with the latest outcome", audit)
	}

	var stored []model.WebhookEvent
	if err := ts.db.Where("provider = ?", model.ProviderKofi).Find(&stored).Error; err != nil {
		t.Fatalf("load webhook events: %v", err)
	}
	if len(stored) == 0 {
		t.Fatal("no ko-fi deliveries audited")
	}
	for _, ev := range stored {
		if strings.Contains(string(ev.Payload), testKofiToken) {
			t.Errorf("audit row %s (%s) stores the verification token: %s", ev.EventID, ev.Outcome, ev.Payload)
		}
	}
}

func TestWebhookRejectsOversizeBody(t *testing.T) {
	ts := newTestServer(t)
	body := "data=" + strings.Repeat("x", 1<<20)
	rec := ts.do(t, http.MethodPost, "/api/webhooks/kofi", body, "application/x-www-form-urlencoded", "", nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d; want 413", rec.Code)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	ts := newTestServer(t)
	for _, p := range []string{"paypal", "manual", "square"} {
		rec := ts.do(t, http.MethodPost, "/api/webhooks/"+p, "{}", "application/json", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d; want 404", p, rec.Code)
		}
	}
}

func TestStripeWebhook(t *testing.T) {
	ts := newTestServer(t)

	completed := `{"id":"evt_1","object":"event","type":"checkout.session.completed","created":1700000000,
		"data":{"object":{"id":"cs_live_1","object":"checkout.session","amount_total":500,"currency":"usd",
		"payment_status":"paid","status":"complete","customer_details":{"email":"anon@example.com","name":"Anon"}}}}`
	ignored := `{"id":"evt_2","object":"event","type":"customer.created","created":1700000000,"data":{"object":{}}}`

	tests := []struct {
		name    string
		body    string
		headers http.Header
		want    int
	}{
		{"signed completion", completed, stripeSignature(completed), http.StatusOK},
		{"unsigned", completed, nil, http.StatusUnauthorized},
		{"signature for another body", completed, stripeSignature(ignored), http.StatusUnauthorized},
		{"untracked type", ignored, stripeSignature(ignored), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/webhooks/stripe", tt.body, "application/json", "", tt.headers)
			if rec.Code != tt.want {
				t.Fatalf("status = %d; want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	var n int64
	ts.db.Model(&model.DonationTransaction{}).Count(&n)
	if n != 1 {
		t.Errorf("transactions = %d; want 1", n)
	}
}

func TestCheckout(t *testing.T) {
	ts := newTestServer(t)
	testutil.SeedAccount(t, ts.db, "user-1", "one@example.com", "One")
	body := `{"product_id":"supporter_badge"}`

	rec := ts.do(t, http.MethodPost, "/api/checkout/stripe", body, "application/json", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous checkout status = %d; want 401", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/checkout/stripe", body, "application/json", bearer(t, "user-1", ""), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200 (%s)", rec.Code, rec.Body.String())
	}
	var resp dto.CheckoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CheckoutURL == "" || resp.SessionID != "cs_test_1" {
		t.Errorf("response = %+v", resp)
	}

	rec = ts.do(t, http.MethodPost, "/api/checkout/stripe", `{"currency":"dollars"}`, "application/json", bearer(t, "user-1", ""), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid request status = %d; want 400", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/checkout/stripe", body, "application/json", bearer(t, "stranger", ""), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unknown account status = %d; want 403", rec.Code)
	}

	ts.stripe.CreateFunc = func(context.Context, *client.StripeCheckoutParams) (*client.CheckoutSession, error) {
		return nil, errors.New("stripe: No such price: 'price_secret_123'")
	}
	rec = ts.do(t, http.MethodPost, "/api/checkout/stripe", body, "application/json", bearer(t, "user-1", ""), nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("provider failure status = %d; want 502", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "price_secret_123") {
		t.Errorf("provider error leaked to the user: %s", rec.Body.String())
	}
}

func TestSupportersAndAdmin(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/webhooks/kofi", kofiForm(t, testKofiToken, "kofi-9"), "application/x-www-form-urlencoded", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/supporters", "", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("supporters status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Pat") || strings.Contains(rec.Body.String(), "p@example.com") {
		t.Errorf("supporters = %s; want Pat without an email", rec.Body.String())
	}

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"anonymous", "/api/admin/transactions", "", http.StatusUnauthorized},
		{"member", "/api/admin/transactions", bearer(t, "user-1", "member"), http.StatusForbidden},
		{"admin", "/api/admin/transactions?status=completed&from=2020-01-01T00:00:00Z", bearer(t, "ops", middleware.RoleAdmin), http.StatusOK},
		{"bad status", "/api/admin/transactions?status=settled", bearer(t, "ops", middleware.RoleAdmin), http.StatusBadRequest},
		{"bad time", "/api/admin/transactions?from=yesterday", bearer(t, "ops", middleware.RoleAdmin), http.StatusBadRequest},
		{"anomalies", "/api/admin/anomalies", bearer(t, "ops", middleware.RoleAdmin), http.StatusOK},
		{"entitlement as admin", "/api/entitlements/user-1/supporter_badge", bearer(t, "ops", middleware.RoleAdmin), http.StatusOK},
		{"own entitlement", "/api/entitlements/user-1/supporter_badge", bearer(t, "user-1", "member"), http.StatusOK},
		{"someone else's entitlement", "/api/entitlements/user-2/supporter_badge", bearer(t, "user-1", "member"), http.StatusForbidden},
		{"entitlement anonymous", "/api/entitlements/user-1/supporter_badge", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.path, "", "", tt.token, nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d; want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	rec = ts.do(t, http.MethodGet, "/api/admin/transactions?status=completed", "", "", bearer(t, "ops", middleware.RoleAdmin), nil)
	var report dto.TransactionReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Transactions) != 1 || len(report.Totals) != 1 || report.Totals[0].Amount != "3.50" {
		t.Errorf("report = %s", rec.Body.String())
	}
}
