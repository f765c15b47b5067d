package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"supporter-ledger/internal/client"
	"supporter-ledger/internal/dto"
	"supporter-ledger/internal/model"
	"supporter-ledger/internal/provider"
	"supporter-ledger/internal/repository"
)

const (
	AnonymousSupporter = "Anonymous supporter"

	defaultSupportersLimit = 20
	maxSupportersLimit     = 100
	supportersCacheTTL     = time.Minute
)

type QueryService interface {
	HasActiveEntitlement(ctx context.Context, userID, productID string) (bool, error)
	ListTransactions(ctx context.Context, filter *repository.TransactionFilter) (*dto.TransactionReport, error)
	ListSupporters(ctx context.Context, limit int) ([]*dto.Supporter, error)
	ListAnomalies(ctx context.Context, limit int) ([]*model.ReconciliationAnomaly, error)
}

type queryServiceImpl struct {
	txRepo          repository.TransactionRepository
	entitlementRepo repository.EntitlementRepository
	anomalyRepo     repository.AnomalyRepository
	cache           client.Cache
}

// NewQueryService takes an optional cache for the public supporters list.
func NewQueryService(
	txRepo repository.TransactionRepository,
	entitlementRepo repository.EntitlementRepository,
	anomalyRepo repository.AnomalyRepository,
	cache client.Cache,
) QueryService {
	return &queryServiceImpl{
		txRepo:          txRepo,
		entitlementRepo: entitlementRepo,
		anomalyRepo:     anomalyRepo,
		cache:           cache,
	}
}

func (s *queryServiceImpl) HasActiveEntitlement(ctx context.Context, userID, productID string) (bool, error) {
	ok, err := s.entitlementRepo.HasActive(ctx, userID, productID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("check entitlement: %w", err)
	}
	return ok, nil
}

func (s *queryServiceImpl) ListTransactions(ctx context.Context, filter *repository.TransactionFilter) (*dto.TransactionReport, error) {
	txs, err := s.txRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	report := &dto.TransactionReport{
		Transactions: make([]*dto.TransactionRow, 0, len(txs)),
		Totals:       Totals(txs),
	}
	for _, t := range txs {
		report.Transactions = append(report.Transactions, &dto.TransactionRow{
			ID:                    t.ID,
			Provider:              string(t.Provider),
			ProviderTransactionID: t.ProviderTransactionID,
			AmountMinorUnits:      t.AmountMinorUnits,
			Currency:              t.Currency,
			Status:                string(t.Status),
			PayerEmail:            t.PayerEmail,
			PayerDisplayName:      t.PayerDisplayName,
			UserID:                t.UserID,
			IdentitySource:        string(t.IdentitySource),
			ProductID:             t.ProductID,
			EntitlementPending:    t.EntitlementPending,
			CreatedAt:             t.CreatedAt,
			CompletedAt:           t.CompletedAt,
		})
	}
	return report, nil
}

// Totals sums amounts per currency. Currencies are never mixed or converted.
func Totals(txs []*model.DonationTransaction) []*dto.CurrencyTotal {
	byCurrency := map[string]*dto.CurrencyTotal{}
	for _, t := range txs {
		ct, ok := byCurrency[t.Currency]
		if !ok {
			ct = &dto.CurrencyTotal{Currency: t.Currency}
			byCurrency[t.Currency] = ct
		}
		ct.Count++
		ct.AmountMinorUnits += t.AmountMinorUnits
	}

	out := make([]*dto.CurrencyTotal, 0, len(byCurrency))
	for _, ct := range byCurrency {
		exp := provider.CurrencyExponent(ct.Currency)
		ct.Amount = decimal.New(ct.AmountMinorUnits, -exp).StringFixed(exp)
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

func (s *queryServiceImpl) ListSupporters(ctx context.Context, limit int) ([]*dto.Supporter, error) {
	if limit <= 0 {
		limit = defaultSupportersLimit
	}
	if limit > maxSupportersLimit {
		limit = maxSupportersLimit
	}

	load := func() ([]*dto.Supporter, error) {
		txs, err := s.txRepo.ListSupporters(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("list supporters: %w", err)
		}
		out := make([]*dto.Supporter, 0, len(txs))
		for _, t := range txs {
			out = append(out, PublicSupporter(t))
		}
		return out, nil
	}

	if s.cache == nil {
		return load()
	}
	return client.GetOrSet(s.cache, ctx, "ledger:supporters:"+strconv.Itoa(limit), supportersCacheTTL, load)
}

// PublicSupporter is the only shape a transaction leaves the service in
// publicly. It never carries the payer's email.
func PublicSupporter(t *model.DonationTransaction) *dto.Supporter {
	s := &dto.Supporter{
		DisplayName:      AnonymousSupporter,
		AmountMinorUnits: t.AmountMinorUnits,
		Currency:         t.Currency,
	}
	if t.CompletedAt != nil {
		s.CompletedAt = *t.CompletedAt
	}
	if !t.IsPublic {
		return s
	}
	if t.PayerDisplayName != nil && *t.PayerDisplayName != "" {
		s.DisplayName = *t.PayerDisplayName
	}
	s.Message = t.Message
	return s
}

func (s *queryServiceImpl) ListAnomalies(ctx context.Context, limit int) ([]*model.ReconciliationAnomaly, error) {
	out, err := s.anomalyRepo.ListOpen(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	return out, nil
}
