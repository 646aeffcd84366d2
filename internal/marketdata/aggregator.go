// Package marketdata aggregates per-pair trading statistics from executed
// trades and the live book, persisting them for the market endpoints.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cantondex/backend/internal/trading"
	"github.com/cantondex/backend/internal/trading/orderbook"
	"github.com/cantondex/backend/pkg/models"
)

// statsWindow is the rolling window for high/low/volume statistics.
const statsWindow = 24 * time.Hour

// Aggregator computes and serves market statistics.
type Aggregator struct {
	db     *gorm.DB
	repo   *trading.Repository
	index  *orderbook.Manager
	cache  *Cache
	logger *zap.Logger
	pairs  []string
}

// NewAggregator wires the market data aggregator. cache may be nil.
func NewAggregator(logger *zap.Logger, db *gorm.DB, repo *trading.Repository, index *orderbook.Manager, cache *Cache, pairs []string) *Aggregator {
	return &Aggregator{
		db:     db,
		repo:   repo,
		index:  index,
		cache:  cache,
		logger: logger,
		pairs:  pairs,
	}
}

// RefreshPair recomputes a pair's statistics from the trade history and the
// current book, then upserts the MarketData row.
func (a *Aggregator) RefreshPair(ctx context.Context, pair string) error {
	md := models.MarketData{Pair: pair, UpdatedAt: time.Now()}

	last, err := a.repo.LastTrade(ctx, pair)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", pair, err)
	}
	if last != nil {
		md.LastPrice = &last.Price
	}

	trades, err := a.repo.ListTradesSince(ctx, pair, time.Now().Add(-statsWindow))
	if err != nil {
		return fmt.Errorf("refresh %s: %w", pair, err)
	}
	volume := decimal.Zero
	for i := range trades {
		t := &trades[i]
		volume = volume.Add(t.Quantity)
		if md.High24h == nil || t.Price.GreaterThan(*md.High24h) {
			p := t.Price
			md.High24h = &p
		}
		if md.Low24h == nil || t.Price.LessThan(*md.Low24h) {
			p := t.Price
			md.Low24h = &p
		}
	}
	md.Volume24h = volume

	if book := a.index.Book(pair); book != nil {
		if bid := book.BestBid(); bid != nil {
			md.BestBid = &bid.Price
		}
		if ask := book.BestAsk(); ask != nil {
			md.BestAsk = &ask.Price
		}
	}

	if err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair"}},
			UpdateAll: true,
		}).
		Create(&md).Error; err != nil {
		return fmt.Errorf("persist market data for %s: %w", pair, err)
	}

	if a.cache != nil {
		a.cache.SetMarketData(ctx, &md)
	}
	return nil
}

// GetMarketData returns a pair's statistics: cache first, then the store. A
// pair with no trades yet yields an empty row rather than an error.
func (a *Aggregator) GetMarketData(ctx context.Context, pair string) (*models.MarketData, error) {
	if a.cache != nil {
		if md := a.cache.GetMarketData(ctx, pair); md != nil {
			return md, nil
		}
	}

	var md models.MarketData
	err := a.db.WithContext(ctx).Where("pair = ?", pair).First(&md).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.MarketData{Pair: pair, Volume24h: decimal.Zero, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market data for %s: %w", pair, err)
	}
	return &md, nil
}

// ListMarkets returns statistics for every configured pair, including pairs
// that have never traded.
func (a *Aggregator) ListMarkets(ctx context.Context) ([]models.MarketData, error) {
	out := make([]models.MarketData, 0, len(a.pairs))
	for _, pair := range a.pairs {
		md, err := a.GetMarketData(ctx, pair)
		if err != nil {
			return nil, err
		}
		out = append(out, *md)
	}
	return out, nil
}
