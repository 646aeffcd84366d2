package trading

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cantondex/backend/internal/trading/orderbook"
	"github.com/cantondex/backend/pkg/metrics"
	"github.com/cantondex/backend/pkg/models"
)

// maxMatchesPerCycle bounds one pair's matching loop so a pathological book
// cannot stall the whole cycle.
const maxMatchesPerCycle = 10000

// MarketRefresher is notified after a pair executed at least one trade in a
// cycle.
type MarketRefresher interface {
	RefreshPair(ctx context.Context, pair string) error
}

// TradeSink receives executed trades for downstream consumers. Publish must
// not block the matching loop on a slow broker.
type TradeSink interface {
	Publish(ctx context.Context, trades []models.Trade)
}

// Engine drives continuous matching: on every tick it walks each configured
// pair, crosses the book while the best bid meets the best ask, and hands
// matched pairs to the executor. Failures are contained per pair per cycle.
type Engine struct {
	logger    *zap.Logger
	repo      *Repository
	executor  *Executor
	index     *orderbook.Manager
	refresher MarketRefresher
	sink      TradeSink
	interval  time.Duration

	running atomic.Bool
	matched atomic.Int64
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates a matching engine. refresher and sink may be nil.
func NewEngine(logger *zap.Logger, repo *Repository, executor *Executor, index *orderbook.Manager, refresher MarketRefresher, sink TradeSink, interval time.Duration) *Engine {
	return &Engine{
		logger:    logger,
		repo:      repo,
		executor:  executor,
		index:     index,
		refresher: refresher,
		sink:      sink,
		interval:  interval,
	}
}

// Start launches the matching loop. Calling Start on a running engine is a
// no-op.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("matching engine started", zap.Duration("interval", e.interval))
}

// Stop halts the matching loop and waits for the in-flight cycle to finish.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stop)
	e.wg.Wait()
	e.logger.Info("matching engine stopped")
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool { return e.running.Load() }

// MatchedCount returns the number of trades executed by this process.
func (e *Engine) MatchedCount() int64 { return e.matched.Load() }

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle matches every configured pair once. Exposed so tests and manual
// triggers can drive the engine without the ticker.
func (e *Engine) RunCycle(ctx context.Context) {
	start := time.Now()
	pairs := e.index.Pairs()
	sort.Strings(pairs)
	for _, pair := range pairs {
		e.matchPairSafe(ctx, pair)
	}
	metrics.MatchingCycleDuration.Observe(time.Since(start).Seconds())
}

// matchPairSafe recovers panics so one pair cannot take down the loop.
func (e *Engine) matchPairSafe(ctx context.Context, pair string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("matching panic recovered",
				zap.String("pair", pair),
				zap.Any("panic", r))
		}
	}()

	trades := e.matchPair(ctx, pair)
	if len(trades) == 0 {
		return
	}
	if e.refresher != nil {
		if err := e.refresher.RefreshPair(ctx, pair); err != nil {
			e.logger.Warn("market data refresh failed",
				zap.String("pair", pair), zap.Error(err))
		}
	}
	if e.sink != nil {
		e.sink.Publish(ctx, trades)
	}
}

func (e *Engine) matchPair(ctx context.Context, pair string) []models.Trade {
	book := e.index.Book(pair)
	if book == nil {
		return nil
	}

	var trades []models.Trade
	for i := 0; i < maxMatchesPerCycle; i++ {
		bid := book.BestBid()
		ask := book.BestAsk()
		if bid == nil || ask == nil || bid.Price.LessThan(ask.Price) {
			break
		}

		maker, taker := bid, ask
		if earlier(ask, bid) {
			maker, taker = ask, bid
		}
		quantity := bid.Remaining
		if ask.Remaining.LessThan(quantity) {
			quantity = ask.Remaining
		}

		makerOrder, err := e.loadForMatch(ctx, book, pair, maker.OrderID)
		if makerOrder == nil {
			if err != nil {
				break
			}
			continue
		}
		takerOrder, err := e.loadForMatch(ctx, book, pair, taker.OrderID)
		if takerOrder == nil {
			if err != nil {
				break
			}
			continue
		}

		trade, err := e.executor.ExecuteTrade(ctx, makerOrder, takerOrder, quantity, maker.Price)
		if errors.Is(err, ErrOrderNotOpen) {
			// The index lagged a committed cancel or fill. Resync the two
			// entries and keep matching.
			e.resync(ctx, book, maker.OrderID)
			e.resync(ctx, book, taker.OrderID)
			continue
		}
		if err != nil {
			e.logger.Error("trade execution failed",
				zap.String("pair", pair),
				zap.String("maker_order_id", maker.OrderID.String()),
				zap.String("taker_order_id", taker.OrderID.String()),
				zap.Error(err))
			break
		}

		book.Reduce(bid.OrderID, quantity)
		book.Reduce(ask.OrderID, quantity)
		e.matched.Add(1)
		trades = append(trades, *trade)
	}
	return trades
}

// earlier reports whether a has time priority over b, matching the book's
// within-level ordering.
func earlier(a, b *orderbook.Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID.String() < b.OrderID.String()
}

// loadForMatch fetches the committed order behind a book entry. An entry the
// store no longer knows is evicted (nil, nil); a transient store error keeps
// the entry listed and returns the error so the pair waits for the next
// cycle.
func (e *Engine) loadForMatch(ctx context.Context, book *orderbook.Book, pair string, orderID uuid.UUID) (*models.Order, error) {
	order, err := e.repo.GetOrder(ctx, orderID)
	if err == nil {
		return order, nil
	}
	if errors.Is(err, ErrOrderNotFound) {
		book.Remove(orderID)
		return nil, nil
	}
	e.logger.Warn("order lookup failed, deferring pair",
		zap.String("pair", pair),
		zap.String("order_id", orderID.String()),
		zap.Error(err))
	return nil, err
}

// resync reconciles one book entry with the committed order state.
func (e *Engine) resync(ctx context.Context, book *orderbook.Book, orderID uuid.UUID) {
	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		// Evict only entries the store disowned; a transient error leaves
		// the entry for the next cycle.
		if errors.Is(err, ErrOrderNotFound) {
			book.Remove(orderID)
		}
		return
	}
	if order.IsTerminal() || order.Price == nil {
		book.Remove(orderID)
		return
	}
	book.Add(&orderbook.Entry{
		OrderID:   order.ID,
		PartyID:   order.PartyID,
		Side:      order.Side,
		Price:     *order.Price,
		Remaining: order.Remaining(),
		CreatedAt: order.CreatedAt,
	})
}
