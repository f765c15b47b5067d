package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v74"

	"supporter-ledger/internal/client"
	"supporter-ledger/internal/ledger"
	"supporter-ledger/internal/model"
	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/repository"
)

var (
	ErrSweepUnsupported = errors.New("provider has no read api to sweep")
	ErrSweepLocked      = errors.New("a sweep for this provider is already running")
)

const (
	sweepLockTTL = 30 * time.Minute
	// consecutive windows overlap so a payment created at a boundary is seen
	sweepOverlap = 10 * time.Minute
)

type Window struct {
	From time.Time
	To   time.Time
}

type SweepCounts struct {
	Scanned        int `json:"scanned"`
	Inserted       int `json:"inserted"`
	Updated        int `json:"updated"`
	AlreadyPresent int `json:"already_present"`
	Anomalies      int `json:"anomalies"`
	Errors         int `json:"errors"`
}

// SweepSource lists a provider's payments in a window as canonical events.
// A payment that cannot be converted is passed to fn with a nil event.
type SweepSource interface {
	Provider() model.Provider
	Each(ctx context.Context, w Window, fn func(*provider.DonationEvent, error) error) error
}

type SweepService interface {
	Sweep(ctx context.Context, p model.Provider, w Window) (*SweepCounts, error)
	// DefaultWindow starts where the last successful run ended, or lookback
	// before now when there is none.
	DefaultWindow(ctx context.Context, p model.Provider, now time.Time) (Window, error)
}

type sweepServiceImpl struct {
	ingest   IngestService
	runRepo  repository.SweepRunRepository
	sources  map[model.Provider]SweepSource
	lock     client.Cache
	lookback time.Duration
}

// NewSweepService takes an optional lock; nil disables overlap protection.
func NewSweepService(
	ingest IngestService,
	runRepo repository.SweepRunRepository,
	lock client.Cache,
	lookback time.Duration,
	sources ...SweepSource,
) SweepService {
	m := make(map[model.Provider]SweepSource, len(sources))
	for _, src := range sources {
		m[src.Provider()] = src
	}
	return &sweepServiceImpl{
		ingest:   ingest,
		runRepo:  runRepo,
		sources:  m,
		lock:     lock,
		lookback: lookback,
	}
}

func (s *sweepServiceImpl) DefaultWindow(ctx context.Context, p model.Provider, now time.Time) (Window, error) {
	w := Window{From: now.Add(-s.lookback), To: now}
	last, err := s.runRepo.LastSuccessful(ctx, p)
	if err != nil {
		return w, fmt.Errorf("last sweep run: %w", err)
	}
	if last != nil {
		from := last.WindowEnd.Add(-sweepOverlap)
		if from.After(w.From) {
			w.From = from
		}
	}
	return w, nil
}

func (s *sweepServiceImpl) Sweep(ctx context.Context, p model.Provider, w Window) (*SweepCounts, error) {
	src, ok := s.sources[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSweepUnsupported, p)
	}
	if !w.From.Before(w.To) {
		return nil, fmt.Errorf("invalid sweep window %s - %s", w.From, w.To)
	}

	if s.lock != nil {
		key := "ledger:sweep-lock:" + string(p)
		acquired, err := s.lock.SetNX(ctx, key, time.Now().UTC(), sweepLockTTL)
		if err != nil {
			// the lock is an optimization; admission stays idempotent without it
			slog.Warn("sweep lock unavailable, continuing", "provider", p, "error", err)
		} else if !acquired {
			return nil, fmt.Errorf("%w: %s", ErrSweepLocked, p)
		} else {
			defer s.lock.Delete(context.WithoutCancel(ctx), key)
		}
	}

	run := &model.SweepRun{
		Provider:    p,
		WindowStart: w.From.UTC(),
		WindowEnd:   w.To.UTC(),
		StartedAt:   time.Now().UTC(),
	}
	if err := s.runRepo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create sweep run: %w", err)
	}

	log := slog.With("provider", p, "sweep_run_id", run.ID, "from", w.From, "to", w.To)
	log.Info("sweep started")

	counts := &SweepCounts{}
	// payments that converted but could not be admitted; unlike malformed
	// payments a later run can still recover them
	failed := 0
	sweepErr := src.Each(ctx, w, func(e *provider.DonationEvent, convErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		counts.Scanned++

		if convErr != nil {
			counts.Errors++
			log.Warn("skipping unconvertible payment", "error", convErr)
			return nil
		}

		res, err := s.ingest.Ingest(ctx, e, SourceSweep)
		if err != nil {
			counts.Errors++
			failed++
			log.Error("sweep ingest failed", "provider_transaction_id", e.ProviderTransactionID, "error", err)
			return nil
		}
		switch res.Decision {
		case ledger.DecisionInsert:
			counts.Inserted++
		case ledger.DecisionUpdatePending, ledger.DecisionRefund:
			counts.Updated++
		case ledger.DecisionNoopAlreadyCompleted:
			counts.AlreadyPresent++
		case ledger.DecisionAnomaly:
			counts.Anomalies++
		}
		return nil
	})

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Scanned = counts.Scanned
	run.Inserted = counts.Inserted
	run.Updated = counts.Updated
	run.AlreadyPresent = counts.AlreadyPresent
	run.Anomalies = counts.Anomalies
	run.Errors = counts.Errors
	switch {
	case sweepErr != nil:
		run.Error = sweepErr.Error()
	case failed > 0:
		// keeps the window out of DefaultWindow so the next run covers it again
		run.Error = fmt.Sprintf("%d payments failed to ingest", failed)
	}
	// persist even when ctx was cancelled, so the partial run is visible
	if err := s.runRepo.Save(context.WithoutCancel(ctx), run); err != nil {
		log.Error("save sweep run failed", "error", err)
	}

	if sweepErr != nil {
		log.Warn("sweep stopped early", "error", sweepErr, "scanned", counts.Scanned)
		return counts, fmt.Errorf("sweep %s: %w", p, sweepErr)
	}
	log.Info("sweep finished",
		"scanned", counts.Scanned,
		"inserted", counts.Inserted,
		"updated", counts.Updated,
		"already_present", counts.AlreadyPresent,
		"anomalies", counts.Anomalies,
		"errors", counts.Errors,
	)
	return counts, nil
}

type stripeSweepSource struct {
	client client.StripeClient
}

func NewStripeSweepSource(c client.StripeClient) SweepSource {
	return &stripeSweepSource{client: c}
}

func (s *stripeSweepSource) Provider() model.Provider { return model.ProviderStripe }

// Each only reports sessions that reached checkout completion; open sessions
// are abandoned carts until Stripe says otherwise.
func (s *stripeSweepSource) Each(ctx context.Context, w Window, fn func(*provider.DonationEvent, error) error) error {
	return s.client.ListCheckoutSessions(ctx, w.From, w.To, func(cs *stripe.CheckoutSession) error {
		if cs.Status != stripe.CheckoutSessionStatusComplete {
			return nil
		}
		return fn(provider.StripeSessionEvent(cs, string(cs.PaymentStatus)))
	})
}

type squareSweepSource struct {
	client client.SquareClient
}

func NewSquareSweepSource(c client.SquareClient) SweepSource {
	return &squareSweepSource{client: c}
}

func (s *squareSweepSource) Provider() model.Provider { return model.ProviderSquare }

func (s *squareSweepSource) Each(ctx context.Context, w Window, fn func(*provider.DonationEvent, error) error) error {
	return s.client.ListPayments(ctx, w.From, w.To, func(p *provider.SquarePayment) error {
		return fn(provider.SquarePaymentEvent(p))
	})
}
