package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cantondex/backend/pkg/models"
)

// ErrOrderNotFound indicates the order id does not exist.
var ErrOrderNotFound = errors.New("order not found")

// Repository persists orders and trades in the ledger store.
type Repository struct {
	db *gorm.DB
}

// NewRepository wraps a gorm connection.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateOrder inserts a new order row inside the given transaction, or the
// repository's connection when tx is nil.
func (r *Repository) CreateOrder(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	if tx == nil {
		tx = r.db.WithContext(ctx)
	}
	if err := tx.Create(order).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrder fetches a single order by id.
func (r *Repository) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &order, nil
}

// ListOpenOrders returns all OPEN and PARTIALLY_FILLED orders for a pair,
// oldest first. Used to rebuild the book index at startup.
func (r *Repository) ListOpenOrders(ctx context.Context, pair string) ([]models.Order, error) {
	var orders []models.Order
	q := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.OrderStatusOpen, models.OrderStatusPartiallyFilled}).
		Order("created_at asc")
	if pair != "" {
		q = q.Where("pair = ?", pair)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return orders, nil
}

// ListOrdersByParty returns a party's orders, newest first, optionally
// filtered by status.
func (r *Repository) ListOrdersByParty(ctx context.Context, partyID, status string, limit int) ([]models.Order, error) {
	q := r.db.WithContext(ctx).
		Where("party_id = ?", partyID).
		Order("created_at desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var orders []models.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// GetTrade fetches a single trade by id.
func (r *Repository) GetTrade(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	if err := r.db.WithContext(ctx).Where("id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return &trade, nil
}

// ListTrades returns the most recent trades for a pair, newest first.
func (r *Repository) ListTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	var trades []models.Trade
	if err := r.db.WithContext(ctx).
		Where("pair = ?", pair).
		Order("matched_at desc").
		Limit(limit).
		Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

// ListTradesSince returns all trades for a pair matched at or after a cutoff,
// oldest first. Used by the market data aggregator for rolling statistics.
func (r *Repository) ListTradesSince(ctx context.Context, pair string, since time.Time) ([]models.Trade, error) {
	var trades []models.Trade
	if err := r.db.WithContext(ctx).
		Where("pair = ? AND matched_at >= ?", pair, since).
		Order("matched_at asc").
		Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("list trades since: %w", err)
	}
	return trades, nil
}

// LastTrade returns the most recent trade for a pair, or nil if the pair has
// never traded.
func (r *Repository) LastTrade(ctx context.Context, pair string) (*models.Trade, error) {
	var trade models.Trade
	err := r.db.WithContext(ctx).
		Where("pair = ?", pair).
		Order("matched_at desc").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last trade: %w", err)
	}
	return &trade, nil
}

// CountTrades returns the total number of executed trades. Exposed on the
// health endpoint.
func (r *Repository) CountTrades(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Trade{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return count, nil
}
