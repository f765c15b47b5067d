package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v74"
	"gorm.io/gorm"

	"supporter-ledger/internal/client"
	"supporter-ledger/internal/config"
	"supporter-ledger/internal/model"
	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/repository"
	"supporter-ledger/internal/testutil"
)

func strPtr(s string) *string { return &s }

type harness struct {
	db              *gorm.DB
	txRepo          repository.TransactionRepository
	entitlementRepo repository.EntitlementRepository
	intentRepo      repository.IntentRepository
	anomalyRepo     repository.AnomalyRepository
	runRepo         repository.SweepRunRepository
	grantor         *grantorServiceImpl
	resolver        ResolverService
	ingest          IngestService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)

	productRepo := repository.NewProductRepository(db)
	if err := productRepo.Seed(context.Background(), repository.DefaultProducts); err != nil {
		t.Fatalf("seed products: %v", err)
	}

	h := &harness{
		db:              db,
		txRepo:          repository.NewTransactionRepository(db),
		entitlementRepo: repository.NewEntitlementRepository(db),
		intentRepo:      repository.NewIntentRepository(db),
		anomalyRepo:     repository.NewAnomalyRepository(db),
		runRepo:         repository.NewSweepRunRepository(db),
	}
	h.grantor = NewGrantorService(db, h.txRepo, productRepo, h.entitlementRepo).(*grantorServiceImpl)
	h.resolver = NewResolverService(db, h.txRepo, h.intentRepo, repository.NewAccountRepository(db))
	h.ingest = NewIngestService(db, h.txRepo, h.anomalyRepo, h.resolver, h.grantor)
	return h
}

func (h *harness) mustIngest(t *testing.T, e *provider.DonationEvent) *IngestResult {
	t.Helper()
	res, err := h.ingest.Ingest(context.Background(), e, SourceWebhook)
	if err != nil {
		t.Fatalf("Ingest(%s/%s %s) error = %v", e.Provider, e.ProviderTransactionID, e.Status, err)
	}
	return res
}

func (h *harness) row(t *testing.T, p model.Provider, txID string) *model.DonationTransaction {
	t.Helper()
	row, err := h.txRepo.FindByKey(context.Background(), p, txID)
	if err != nil {
		t.Fatalf("FindByKey(%s/%s) error = %v", p, txID, err)
	}
	return row
}

func (h *harness) count(t *testing.T, m interface{}) int64 {
	t.Helper()
	var n int64
	if err := h.db.Model(m).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (h *harness) addIntent(t *testing.T, p model.Provider, sessionID, userID string, productID *string) {
	t.Helper()
	now := time.Now().UTC()
	err := h.intentRepo.Create(context.Background(), h.db, &model.ProviderCheckoutIntent{
		ProviderSessionID: sessionID,
		Provider:          p,
		IntendedUserID:    userID,
		IntendedProductID: productID,
		AmountMinorUnits:  499,
		Currency:          "usd",
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
}

func squareEvent(txID string, status model.TransactionStatus) *provider.DonationEvent {
	return &provider.DonationEvent{
		Provider:              model.ProviderSquare,
		ProviderTransactionID: txID,
		ProviderSessionID:     strPtr("order-" + txID),
		AmountMinorUnits:      100,
		Currency:              "usd",
		RawStatus:             string(status),
		Status:                status,
		IsPublic:              true,
	}
}

func stripeSession(id string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:          id,
		AmountTotal: 500,
		Currency:    stripe.Currency("usd"),
		Status:      stripe.CheckoutSessionStatusComplete,
		Created:     time.Now().Unix(),
		CustomerDetails: &stripe.CheckoutSessionCustomerDetails{
			Email: "fan@example.com",
			Name:  "Fan One",
		},
		Metadata: map[string]string{provider.StripeMetadataProductID: "supporter_badge"},
	}
}

type fakeStripe struct {
	CreateFunc func(ctx context.Context, p *client.StripeCheckoutParams) (*client.CheckoutSession, error)
	ListFunc   func(ctx context.Context, from, to time.Time, fn func(*stripe.CheckoutSession) error) error
}

func (f *fakeStripe) CreateCheckoutSession(ctx context.Context, p *client.StripeCheckoutParams) (*client.CheckoutSession, error) {
	return f.CreateFunc(ctx, p)
}

func (f *fakeStripe) ListCheckoutSessions(ctx context.Context, from, to time.Time, fn func(*stripe.CheckoutSession) error) error {
	return f.ListFunc(ctx, from, to, fn)
}

type fakeSquare struct {
	CreateFunc func(ctx context.Context, p *client.SquarePaymentLinkParams) (*client.CheckoutSession, error)
	ListFunc   func(ctx context.Context, from, to time.Time, fn func(*provider.SquarePayment) error) error
}

func (f *fakeSquare) CreatePaymentLink(ctx context.Context, p *client.SquarePaymentLinkParams) (*client.CheckoutSession, error) {
	return f.CreateFunc(ctx, p)
}

func (f *fakeSquare) ListPayments(ctx context.Context, from, to time.Time, fn func(*provider.SquarePayment) error) error {
	return f.ListFunc(ctx, from, to, fn)
}

// mapCache is an in-process stand-in for RedisCache.
type mapCache struct {
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (m *mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = b
	return nil
}

func (m *mapCache) Get(_ context.Context, key string, dest interface{}) error {
	b, ok := m.data[key]
	if !ok {
		return errors.New("miss")
	}
	return json.Unmarshal(b, dest)
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *mapCache) SetNX(ctx context.Context, key string, value interface{}, exp time.Duration) (bool, error) {
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	return true, m.Set(ctx, key, value, exp)
}

var testCheckoutCfg = config.Checkout{
	SuccessURL: "https://app.example.com/thanks",
	CancelURL:  "https://app.example.com/cancel",
	IntentTTL:  24 * time.Hour,
}
