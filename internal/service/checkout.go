package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"supporter-ledger/internal/client"
	"supporter-ledger/internal/config"
	"supporter-ledger/internal/dto"
	"supporter-ledger/internal/model"
	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/repository"
)

var (
	// ErrCheckoutUnavailable is all a user is told when a provider call fails.
	ErrCheckoutUnavailable = errors.New("checkout is temporarily unavailable, please try again")
	ErrInvalidCheckout     = errors.New("invalid checkout request")
)

const donationItemName = "Donation"

type CheckoutService interface {
	CreateStripeCheckout(ctx context.Context, userID string, req *dto.CheckoutRequest) (*dto.CheckoutResponse, error)
	CreateSquarePaymentLink(ctx context.Context, userID string, req *dto.CheckoutRequest) (*dto.CheckoutResponse, error)
	// GarbageCollectIntents removes checkout intents that expired unused.
	GarbageCollectIntents(ctx context.Context, now time.Time) (int64, error)
}

type checkoutServiceImpl struct {
	db           *gorm.DB
	stripeClient client.StripeClient
	squareClient client.SquareClient
	checkoutCfg  config.Checkout
	accountRepo  repository.AccountRepository
	productRepo  repository.ProductRepository
	intentRepo   repository.IntentRepository
}

func NewCheckoutService(
	db *gorm.DB,
	stripeClient client.StripeClient,
	squareClient client.SquareClient,
	checkoutCfg config.Checkout,
	accountRepo repository.AccountRepository,
	productRepo repository.ProductRepository,
	intentRepo repository.IntentRepository,
) CheckoutService {
	return &checkoutServiceImpl{
		db:           db,
		stripeClient: stripeClient,
		squareClient: squareClient,
		checkoutCfg:  checkoutCfg,
		accountRepo:  accountRepo,
		productRepo:  productRepo,
		intentRepo:   intentRepo,
	}
}

// purchase is what the user is about to pay for.
type purchase struct {
	account   *model.Account
	name      string
	amount    int64
	currency  string
	productID *string // nil for a plain donation
	message   *string
}

func (s *checkoutServiceImpl) prepare(ctx context.Context, userID string, req *dto.CheckoutRequest) (*purchase, error) {
	account, err := s.accountRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
		}
		return nil, fmt.Errorf("find account: %w", err)
	}

	p := &purchase{account: account}
	if msg := strings.TrimSpace(req.Message); msg != "" {
		p.message = &msg
	}

	if req.ProductID != "" {
		product, err := s.productRepo.FindByID(ctx, req.ProductID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: unknown product %q", ErrInvalidCheckout, req.ProductID)
			}
			return nil, fmt.Errorf("find product: %w", err)
		}
		p.name = product.Name
		p.amount = product.PriceMinorUnits
		p.currency = strings.ToLower(product.Currency)
		p.productID = &product.ID
		return p, nil
	}

	if req.AmountMinorUnits <= 0 || req.Currency == "" {
		return nil, fmt.Errorf("%w: a product or an amount with currency is required", ErrInvalidCheckout)
	}
	p.name = donationItemName
	p.amount = req.AmountMinorUnits
	p.currency = strings.ToLower(req.Currency)
	return p, nil
}

func (s *checkoutServiceImpl) CreateStripeCheckout(ctx context.Context, userID string, req *dto.CheckoutRequest) (*dto.CheckoutResponse, error) {
	p, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{"user_id": userID}
	if p.productID != nil {
		metadata[provider.StripeMetadataProductID] = *p.productID
	}
	if p.message != nil {
		metadata[provider.StripeMetadataMessage] = *p.message
	}

	session, err := s.stripeClient.CreateCheckoutSession(ctx, &client.StripeCheckoutParams{
		UserID:           userID,
		Email:            p.account.Email,
		ProductName:      p.name,
		AmountMinorUnits: p.amount,
		Currency:         p.currency,
		SuccessURL:       s.checkoutCfg.SuccessURL,
		CancelURL:        s.checkoutCfg.CancelURL,
		Metadata:         metadata,
	})
	if err != nil {
		slog.Error("stripe checkout creation failed", "user_id", userID, "error", err)
		return nil, ErrCheckoutUnavailable
	}

	return s.persistIntent(ctx, model.ProviderStripe, userID, p, session)
}

func (s *checkoutServiceImpl) CreateSquarePaymentLink(ctx context.Context, userID string, req *dto.CheckoutRequest) (*dto.CheckoutResponse, error) {
	p, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	params := &client.SquarePaymentLinkParams{
		Name:             p.name,
		AmountMinorUnits: p.amount,
		Currency:         p.currency,
		BuyerEmail:       p.account.Email,
		RedirectURL:      s.checkoutCfg.SuccessURL,
	}
	if p.message != nil {
		params.Note = *p.message
	}

	session, err := s.squareClient.CreatePaymentLink(ctx, params)
	if err != nil {
		slog.Error("square payment link creation failed", "user_id", userID, "error", err)
		return nil, ErrCheckoutUnavailable
	}

	return s.persistIntent(ctx, model.ProviderSquare, userID, p, session)
}

// persistIntent stores the intent before the user ever sees the URL, so the
// payment report can never arrive ahead of it.
func (s *checkoutServiceImpl) persistIntent(ctx context.Context, p model.Provider, userID string, pu *purchase, session *client.CheckoutSession) (*dto.CheckoutResponse, error) {
	now := time.Now().UTC()
	err := s.intentRepo.Create(ctx, s.db, &model.ProviderCheckoutIntent{
		ProviderSessionID: session.SessionID,
		Provider:          p,
		IntendedUserID:    userID,
		IntendedProductID: pu.productID,
		IntendedMessage:   pu.message,
		AmountMinorUnits:  pu.amount,
		Currency:          pu.currency,
		CheckoutURL:       session.CheckoutURL,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.checkoutCfg.IntentTTL),
	})
	if err != nil {
		slog.Error("persist checkout intent failed", "provider", p, "session_id", session.SessionID, "error", err)
		return nil, ErrCheckoutUnavailable
	}

	slog.Info("checkout created", "provider", p, "session_id", session.SessionID, "user_id", userID)
	return &dto.CheckoutResponse{
		SessionID:   session.SessionID,
		CheckoutURL: session.CheckoutURL,
	}, nil
}

func (s *checkoutServiceImpl) GarbageCollectIntents(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.intentRepo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired intents: %w", err)
	}
	if n > 0 {
		slog.Info("expired checkout intents removed", "count", n)
	}
	return n, nil
}
