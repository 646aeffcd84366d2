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
	"github.com/cantondex/backend/internal/trading/orderbook"
	"github.com/cantondex/backend/pkg/metrics"
	"github.com/cantondex/backend/pkg/models"
)

var (
	// ErrInvalidOrder indicates rejected order parameters.
	ErrInvalidOrder = errors.New("invalid order parameters")
	// ErrRiskRejected indicates the pre-trade risk check declined the order.
	ErrRiskRejected = errors.New("order rejected by risk check")
	// ErrOrderNotCancellable indicates the order is already FILLED or
	// CANCELLED. Nothing was mutated.
	ErrOrderNotCancellable = errors.New("order not cancellable")
	// ErrNotOrderOwner indicates the caller does not own the order.
	ErrNotOrderOwner = errors.New("order belongs to another party")
)

// SubmitOrderRequest carries a validated order submission.
type SubmitOrderRequest struct {
	PartyID  string
	Pair     string
	Side     string
	Type     string
	Quantity decimal.Decimal
	Price    *decimal.Decimal
}

// Service implements order submission, cancellation, and the read paths over
// orders, trades, and the book.
type Service struct {
	db     *gorm.DB
	repo   *Repository
	books  *bookkeeper.Service
	index  *orderbook.Manager
	risk   RiskService
	logger *zap.Logger
	pairs  map[string]bool
}

// NewService wires the trading service.
func NewService(logger *zap.Logger, db *gorm.DB, repo *Repository, books *bookkeeper.Service, index *orderbook.Manager, risk RiskService, pairs []string) *Service {
	supported := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		supported[p] = true
	}
	return &Service{
		db:     db,
		repo:   repo,
		books:  books,
		index:  index,
		risk:   risk,
		logger: logger,
		pairs:  supported,
	}
}

// RebuildIndex repopulates the in-memory book from all open orders in the
// store. Called once at startup before the engine starts.
func (s *Service) RebuildIndex(ctx context.Context) error {
	orders, err := s.repo.ListOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	s.index.Rebuild(orders)
	s.logger.Info("order book index rebuilt", zap.Int("open_orders", len(orders)))
	return nil
}

// SubmitOrder validates the request, runs the risk check, then locks funds
// and persists the order in one transaction. The book index is updated only
// after the transaction commits.
func (s *Service) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*models.Order, error) {
	if err := s.validate(&req); err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	account, err := s.books.GetAccount(ctx, req.PartyID)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("account").Inc()
		return nil, err
	}

	now := time.Now()
	order := &models.Order{
		ID:             uuid.New(),
		AccountID:      account.ID,
		PartyID:        req.PartyID,
		Pair:           req.Pair,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		Price:          req.Price,
		Status:         models.OrderStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if verdict := s.risk.CheckOrder(ctx, order); !verdict.Approved {
		metrics.OrdersRejected.WithLabelValues("risk").Inc()
		return nil, fmt.Errorf("%w: %s", ErrRiskRejected, verdict.Reason)
	}

	lockAsset, lockAmount, err := s.lockRequirement(order)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.books.LockFunds(ctx, tx, account.ID, lockAsset, lockAmount); err != nil {
			return err
		}
		return s.repo.CreateOrder(ctx, tx, order)
	})
	if err != nil {
		if errors.Is(err, bookkeeper.ErrInsufficientBalance) {
			metrics.OrdersRejected.WithLabelValues("balance").Inc()
		}
		return nil, err
	}

	if order.Price != nil {
		if book := s.index.Book(order.Pair); book != nil {
			book.Add(&orderbook.Entry{
				OrderID:   order.ID,
				PartyID:   order.PartyID,
				Side:      order.Side,
				Price:     *order.Price,
				Remaining: order.Quantity,
				CreatedAt: order.CreatedAt,
			})
		}
	}

	metrics.OrdersSubmitted.WithLabelValues(order.Pair, order.Side).Inc()
	s.logger.Info("order accepted",
		zap.String("order_id", order.ID.String()),
		zap.String("party_id", order.PartyID),
		zap.String("pair", order.Pair),
		zap.String("side", order.Side),
		zap.String("quantity", order.Quantity.String()))
	return order, nil
}

func (s *Service) validate(req *SubmitOrderRequest) error {
	if !s.pairs[req.Pair] {
		return fmt.Errorf("%w: unsupported pair %q", ErrInvalidOrder, req.Pair)
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	switch req.Type {
	case models.OrderTypeLimit, models.OrderTypeMarket, models.OrderTypeStop:
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, req.Type)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if req.Type == models.OrderTypeLimit {
		if req.Price == nil || req.Price.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: limit orders require a positive price", ErrInvalidOrder)
		}
	}
	// A BUY without a price reference has no computable quote notional to
	// lock, so it cannot be accepted.
	if req.Side == models.OrderSideBuy && req.Type != models.OrderTypeLimit &&
		(req.Price == nil || req.Price.LessThanOrEqual(decimal.Zero)) {
		return fmt.Errorf("%w: %s BUY orders require a price reference", ErrInvalidOrder, req.Type)
	}
	if req.Price != nil && req.Price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	return nil
}

// lockRequirement returns which asset an order reserves and how much: the
// base quantity for a SELL, the quote notional for a BUY.
func (s *Service) lockRequirement(order *models.Order) (string, decimal.Decimal, error) {
	base, quote, err := SplitPair(order.Pair)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if order.Side == models.OrderSideSell {
		return base, order.Quantity, nil
	}
	return quote, order.Quantity.Mul(*order.Price), nil
}

// CancelOrder transitions an open order to CANCELLED and unlocks the
// unfilled remainder. The transition and the unlock are one atomic step
// guarded against a concurrent fill changing the remainder underneath us.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, partyID string) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if partyID != "" && order.PartyID != partyID {
		return nil, ErrNotOrderOwner
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Order
		if err := tx.Where("id = ?", orderID).First(&current).Error; err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		if current.IsTerminal() {
			return ErrOrderNotCancellable
		}

		// Pinning filled_quantity in the guard aborts the cancel if a fill
		// lands between the read and the update.
		result := tx.Model(&models.Order{}).
			Where("id = ? AND status IN ? AND filled_quantity = ?",
				orderID,
				[]string{models.OrderStatusOpen, models.OrderStatusPartiallyFilled},
				current.FilledQuantity).
			Updates(map[string]interface{}{
				"status":     models.OrderStatusCancelled,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("cancel order: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrOrderNotCancellable
		}

		remaining := current.Remaining()
		if remaining.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		asset, amount, err := s.unlockForRemainder(&current, remaining)
		if err != nil {
			return err
		}
		return s.books.UnlockFunds(ctx, tx, current.AccountID, asset, amount)
	})
	if err != nil {
		return nil, err
	}

	if book := s.index.Book(order.Pair); book != nil {
		book.Remove(orderID)
	}
	metrics.OrdersCancelled.Inc()
	s.logger.Info("order cancelled",
		zap.String("order_id", orderID.String()),
		zap.String("party_id", order.PartyID))

	return s.repo.GetOrder(ctx, orderID)
}

func (s *Service) unlockForRemainder(order *models.Order, remaining decimal.Decimal) (string, decimal.Decimal, error) {
	base, quote, err := SplitPair(order.Pair)
	if err != nil {
		return "", decimal.Zero, err
	}
	if order.Side == models.OrderSideSell {
		return base, remaining, nil
	}
	if order.Price == nil {
		return "", decimal.Zero, fmt.Errorf("buy order %s has no price to size unlock", order.ID)
	}
	return quote, remaining.Mul(*order.Price), nil
}

// GetOrder returns one order by id.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// GetTrade returns one trade by id.
func (s *Service) GetTrade(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	return s.repo.GetTrade(ctx, tradeID)
}

// ListOrders returns a party's orders, optionally filtered by status.
func (s *Service) ListOrders(ctx context.Context, partyID, status string, limit int) ([]models.Order, error) {
	return s.repo.ListOrdersByParty(ctx, partyID, status, limit)
}

// GetOrderBook returns the aggregated book snapshot for a pair.
func (s *Service) GetOrderBook(pair string, depth int) (*models.OrderBookSnapshot, error) {
	book := s.index.Book(pair)
	if book == nil {
		return nil, fmt.Errorf("%w: unsupported pair %q", ErrInvalidOrder, pair)
	}
	snapshot := book.Snapshot(depth)
	return &snapshot, nil
}

// ListTrades returns recent trades for a pair.
func (s *Service) ListTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	if !s.pairs[pair] {
		return nil, fmt.Errorf("%w: unsupported pair %q", ErrInvalidOrder, pair)
	}
	return s.repo.ListTrades(ctx, pair, limit)
}
