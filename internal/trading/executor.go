package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cantondex/backend/internal/bookkeeper"
	"github.com/cantondex/backend/pkg/metrics"
	"github.com/cantondex/backend/pkg/models"
)

// ErrOrderNotOpen indicates an order left the OPEN/PARTIALLY_FILLED states
// between matching and execution, e.g. a concurrent cancel.
var ErrOrderNotOpen = errors.New("order no longer open")

// Executor commits matched trades. Each execution is one database
// transaction covering both order fills, all four balance legs, the trade
// row, and the audit rows. Nothing is observable unless everything commits.
type Executor struct {
	db     *gorm.DB
	books  *bookkeeper.Service
	logger *zap.Logger
}

// NewExecutor creates a trade executor.
func NewExecutor(logger *zap.Logger, db *gorm.DB, books *bookkeeper.Service) *Executor {
	return &Executor{db: db, books: books, logger: logger}
}

// ExecuteTrade fills maker and taker for quantity at price and moves the
// four balance legs between buyer and seller. On any failure the whole
// transaction rolls back and both orders keep their previous state.
func (e *Executor) ExecuteTrade(ctx context.Context, maker, taker *models.Order, quantity, price decimal.Decimal) (*models.Trade, error) {
	if maker.Pair != taker.Pair {
		return nil, fmt.Errorf("pair mismatch: %s vs %s", maker.Pair, taker.Pair)
	}
	if maker.Side == taker.Side {
		return nil, fmt.Errorf("cannot match two %s orders", maker.Side)
	}
	if quantity.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("invalid execution: quantity=%s price=%s", quantity, price)
	}

	base, quote, err := SplitPair(maker.Pair)
	if err != nil {
		return nil, err
	}

	buyer, seller := maker, taker
	if maker.Side == models.OrderSideSell {
		buyer, seller = taker, maker
	}
	quoteAmount := quantity.Mul(price)

	trade := &models.Trade{
		ID:               uuid.New(),
		MakerOrderID:     maker.ID,
		TakerOrderID:     taker.ID,
		MakerPartyID:     maker.PartyID,
		TakerPartyID:     taker.PartyID,
		Pair:             maker.Pair,
		Quantity:         quantity,
		Price:            price,
		MakerSide:        maker.Side,
		SettlementStatus: models.TradeSettled,
		MatchedAt:        time.Now(),
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.fillOrder(tx, maker.ID, quantity); err != nil {
			return fmt.Errorf("fill maker %s: %w", maker.ID, err)
		}
		if err := e.fillOrder(tx, taker.ID, quantity); err != nil {
			return fmt.Errorf("fill taker %s: %w", taker.ID, err)
		}

		// Seller's locked base becomes the buyer's available base.
		if err := e.books.DebitLocked(ctx, tx, seller.AccountID, base, quantity); err != nil {
			return fmt.Errorf("seller base leg: %w", err)
		}
		if err := e.books.CreditAvailable(ctx, tx, buyer.AccountID, base, quantity); err != nil {
			return fmt.Errorf("buyer base leg: %w", err)
		}

		// Buyer's locked quote becomes the seller's available quote.
		if err := e.books.DebitLocked(ctx, tx, buyer.AccountID, quote, quoteAmount); err != nil {
			return fmt.Errorf("buyer quote leg: %w", err)
		}
		if err := e.books.CreditAvailable(ctx, tx, seller.AccountID, quote, quoteAmount); err != nil {
			return fmt.Errorf("seller quote leg: %w", err)
		}

		// Price improvement for a taker buyer: its lock was sized at its own
		// limit, so release the surplus back to available.
		if buyer.Price != nil && buyer.Price.GreaterThan(price) {
			surplus := buyer.Price.Sub(price).Mul(quantity)
			if err := e.books.UnlockFunds(ctx, tx, buyer.AccountID, quote, surplus); err != nil {
				return fmt.Errorf("release buyer surplus lock: %w", err)
			}
		}

		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("create trade: %w", err)
		}

		buyDesc := fmt.Sprintf("Buy %s %s at %s", quantity, base, price)
		if err := e.books.AppendTradeAudit(tx, buyer.AccountID, base, quantity, trade.ID, buyDesc); err != nil {
			return fmt.Errorf("buyer audit: %w", err)
		}
		sellDesc := fmt.Sprintf("Sell %s %s at %s", quantity, base, price)
		if err := e.books.AppendTradeAudit(tx, seller.AccountID, quote, quoteAmount, trade.ID, sellDesc); err != nil {
			return fmt.Errorf("seller audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesExecuted.WithLabelValues(trade.Pair).Inc()
	e.logger.Info("trade executed",
		zap.String("trade_id", trade.ID.String()),
		zap.String("pair", trade.Pair),
		zap.String("quantity", quantity.String()),
		zap.String("price", price.String()),
		zap.String("maker_order_id", maker.ID.String()),
		zap.String("taker_order_id", taker.ID.String()))
	return trade, nil
}

// fillOrder bumps filled_quantity by quantity and recomputes the status. The
// guards on status and remaining quantity make overfills and fills of
// cancelled orders impossible regardless of what the caller saw.
func (e *Executor) fillOrder(tx *gorm.DB, orderID uuid.UUID, quantity decimal.Decimal) error {
	result := tx.Model(&models.Order{}).
		Where("id = ? AND status IN ? AND filled_quantity + ? <= quantity",
			orderID,
			[]string{models.OrderStatusOpen, models.OrderStatusPartiallyFilled},
			quantity).
		Updates(map[string]interface{}{
			"filled_quantity": gorm.Expr("filled_quantity + ?", quantity),
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("increment fill: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotOpen
	}

	var order models.Order
	if err := tx.Where("id = ?", orderID).First(&order).Error; err != nil {
		return fmt.Errorf("reload order: %w", err)
	}
	status := models.OrderStatusPartiallyFilled
	if order.FilledQuantity.GreaterThanOrEqual(order.Quantity) {
		status = models.OrderStatusFilled
	}
	if err := tx.Model(&models.Order{}).Where("id = ?", orderID).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}
