// Package app wires config into the ledger's repositories, clients and
// services. Both the HTTP server and the operator CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"supporter-ledger/internal/client"
	"supporter-ledger/internal/config"
	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/repository"
	"supporter-ledger/internal/service"
)

type App struct {
	Config *config.Config
	DB     *gorm.DB
	Cache  client.Cache // nil when REDIS_URL is unset

	Registry         *provider.Registry
	WebhookEventRepo repository.WebhookEventRepository

	Ingest   service.IngestService
	Grantor  service.GrantorService
	Checkout service.CheckoutService
	Query    service.QueryService
	Sweep    service.SweepService

	redis *client.RedisCache
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := client.InitDB(cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: db}

	if cfg.Redis.URL != "" {
		rc, err := client.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.redis = rc
		a.Cache = rc
	} else {
		slog.Warn("REDIS_URL not set: sweep lock and supporters cache disabled")
	}

	txRepo := repository.NewTransactionRepository(db)
	productRepo := repository.NewProductRepository(db)
	entitlementRepo := repository.NewEntitlementRepository(db)
	intentRepo := repository.NewIntentRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	anomalyRepo := repository.NewAnomalyRepository(db)
	sweepRunRepo := repository.NewSweepRunRepository(db)
	a.WebhookEventRepo = repository.NewWebhookEventRepository(db)

	if err := productRepo.Seed(ctx, repository.DefaultProducts); err != nil {
		return nil, fmt.Errorf("seed products: %w", err)
	}

	stripeClient := client.NewStripeClient(&cfg.Stripe, &cfg.Sweep)
	squareClient := client.NewSquareClient(&cfg.Square, &cfg.Sweep)

	a.Registry = provider.NewRegistry(
		provider.NewStripeAdapter(cfg.Stripe.WebhookSecret),
		provider.NewSquareAdapter(cfg.Square.WebhookSignatureKey, cfg.Square.WebhookURL),
		provider.NewKofiAdapter(cfg.Kofi.VerificationToken),
		provider.NewManualAdapter(),
	)

	resolver := service.NewResolverService(db, txRepo, intentRepo, accountRepo)
	a.Grantor = service.NewGrantorService(db, txRepo, productRepo, entitlementRepo)
	a.Ingest = service.NewIngestService(db, txRepo, anomalyRepo, resolver, a.Grantor)

	a.Checkout = service.NewCheckoutService(
		db,
		stripeClient,
		squareClient,
		cfg.Checkout,
		accountRepo,
		productRepo,
		intentRepo,
	)
	a.Query = service.NewQueryService(txRepo, entitlementRepo, anomalyRepo, a.Cache)
	a.Sweep = service.NewSweepService(
		a.Ingest,
		sweepRunRepo,
		a.Cache,
		cfg.Sweep.Lookback,
		service.NewStripeSweepSource(stripeClient),
		service.NewSquareSweepSource(squareClient),
	)

	return a, nil
}

func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
