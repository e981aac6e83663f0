package services

import (
	"context"

	"p2pex/internal/models"

	"github.com/shopspring/decimal"
)

const portfolioRecentEntries = 100

type Portfolio struct {
	Transactions   []*models.LedgerEntry
	Holdings       map[models.Asset]decimal.Decimal
	TotalFiatSpent int64
}

type PortfolioService struct {
	Store JournalStore
}

// Portfolio folds the whole journal of a user; only the newest entries are listed.
func (s *PortfolioService) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	entries, err := s.Store.ListEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := Aggregate(entries)
	if len(entries) > portfolioRecentEntries {
		entries = entries[:portfolioRecentEntries]
	}
	p.Transactions = entries
	return p, nil
}

// Aggregate is a pure fold: SUCCESS BUY adds to holdings and fiat spent, SUCCESS SELL subtracts.
func Aggregate(entries []*models.LedgerEntry) *Portfolio {
	p := &Portfolio{Holdings: map[models.Asset]decimal.Decimal{}}
	for _, e := range entries {
		if e.Status != models.EntrySuccess {
			continue
		}
		switch e.Type {
		case models.EntryBuy:
			p.Holdings[e.Asset] = p.Holdings[e.Asset].Add(e.Amount)
			p.TotalFiatSpent += e.FiatAmount
		case models.EntrySell:
			p.Holdings[e.Asset] = p.Holdings[e.Asset].Sub(e.Amount)
		}
	}
	return p
}
