package trading

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cantondex/backend/internal/bookkeeper"
	"github.com/cantondex/backend/internal/database"
	"github.com/cantondex/backend/internal/trading/orderbook"
	"github.com/cantondex/backend/pkg/models"
)

var (
	testPairs  = []string{"BTC/USDT"}
	testAssets = []string{"BTC", "USDT"}
)

type testEnv struct {
	db       *gorm.DB
	books    *bookkeeper.Service
	repo     *Repository
	index    *orderbook.Manager
	service  *Service
	executor *Executor
	engine   *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open("sqlite", "file::memory:", 1, 1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	log := zap.NewNop()
	books := bookkeeper.NewService(log, db, testAssets)
	repo := NewRepository(db)
	index := orderbook.NewManager(testPairs)
	risk, err := NewLimitRiskService("1000000", "100000000")
	require.NoError(t, err)
	service := NewService(log, db, repo, books, index, risk, testPairs)
	executor := NewExecutor(log, db, books)
	engine := NewEngine(log, repo, executor, index, nil, nil, time.Hour)

	return &testEnv{
		db:       db,
		books:    books,
		repo:     repo,
		index:    index,
		service:  service,
		executor: executor,
		engine:   engine,
	}
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (env *testEnv) fund(t *testing.T, party, btc, usdt string) *models.Account {
	t.Helper()
	ctx := context.Background()
	account, err := env.books.CreateAccount(ctx, party, party)
	require.NoError(t, err)
	if btc != "0" {
		_, err = env.books.Deposit(ctx, account.ID, "BTC", d(btc))
		require.NoError(t, err)
	}
	if usdt != "0" {
		_, err = env.books.Deposit(ctx, account.ID, "USDT", d(usdt))
		require.NoError(t, err)
	}
	return account
}

func (env *testEnv) submit(t *testing.T, party, side, qty, price string) *models.Order {
	t.Helper()
	p := d(price)
	order, err := env.service.SubmitOrder(context.Background(), SubmitOrderRequest{
		PartyID:  party,
		Pair:     "BTC/USDT",
		Side:     side,
		Type:     models.OrderTypeLimit,
		Quantity: d(qty),
		Price:    &p,
	})
	require.NoError(t, err)
	// Keep creation timestamps strictly ordered across submissions.
	time.Sleep(2 * time.Millisecond)
	return order
}

func (env *testEnv) balance(t *testing.T, account *models.Account, asset string) *models.Balance {
	t.Helper()
	b, err := env.books.GetBalance(context.Background(), account.ID, asset)
	require.NoError(t, err)
	return b
}

func (env *testEnv) reload(t *testing.T, order *models.Order) *models.Order {
	t.Helper()
	o, err := env.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	return o
}

// totalSupply sums available+locked across all accounts for an asset.
func (env *testEnv) totalSupply(t *testing.T, asset string) decimal.Decimal {
	t.Helper()
	var balances []models.Balance
	require.NoError(t, env.db.Where("asset = ?", asset).Find(&balances).Error)
	total := decimal.Zero
	for _, b := range balances {
		require.True(t, b.Available.GreaterThanOrEqual(decimal.Zero), "available went negative")
		require.True(t, b.Locked.GreaterThanOrEqual(decimal.Zero), "locked went negative")
		total = total.Add(b.Available).Add(b.Locked)
	}
	return total
}

func TestSubmitOrderLocksFunds(t *testing.T) {
	env := newTestEnv(t)
	alice := env.fund(t, "alice::party", "2", "0")
	bob := env.fund(t, "bob::party", "0", "1000")

	env.submit(t, "alice::party", models.OrderSideSell, "1", "100")
	b := env.balance(t, alice, "BTC")
	require.True(t, b.Available.Equal(d("1")))
	require.True(t, b.Locked.Equal(d("1")))

	env.submit(t, "bob::party", models.OrderSideBuy, "2", "90")
	// Engine not running; no cross at 90 vs 100 anyway.
	b = env.balance(t, bob, "USDT")
	require.True(t, b.Available.Equal(d("820")))
	require.True(t, b.Locked.Equal(d("180")))
}

func TestSubmitOrderInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "1", "0")

	p := d("100")
	_, err := env.service.SubmitOrder(context.Background(), SubmitOrderRequest{
		PartyID:  "alice::party",
		Pair:     "BTC/USDT",
		Side:     models.OrderSideSell,
		Type:     models.OrderTypeLimit,
		Quantity: d("2"),
		Price:    &p,
	})
	require.ErrorIs(t, err, bookkeeper.ErrInsufficientBalance)

	// The rejected submission must not leave an order behind.
	var count int64
	require.NoError(t, env.db.Model(&models.Order{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSubmitOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "10", "10000")
	ctx := context.Background()
	price := d("100")

	cases := []struct {
		name string
		req  SubmitOrderRequest
	}{
		{"unsupported pair", SubmitOrderRequest{PartyID: "alice::party", Pair: "DOGE/USDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: d("1"), Price: &price}},
		{"bad side", SubmitOrderRequest{PartyID: "alice::party", Pair: "BTC/USDT", Side: "HOLD", Type: models.OrderTypeLimit, Quantity: d("1"), Price: &price}},
		{"zero quantity", SubmitOrderRequest{PartyID: "alice::party", Pair: "BTC/USDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: d("0"), Price: &price}},
		{"limit without price", SubmitOrderRequest{PartyID: "alice::party", Pair: "BTC/USDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: d("1")}},
		{"market buy without price", SubmitOrderRequest{PartyID: "alice::party", Pair: "BTC/USDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: d("1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.service.SubmitOrder(ctx, tc.req)
			require.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
}

func TestRiskRejection(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "100", "0")

	strict, err := NewLimitRiskService("10", "500")
	require.NoError(t, err)
	env.service.risk = strict

	p := d("100")
	_, err = env.service.SubmitOrder(context.Background(), SubmitOrderRequest{
		PartyID:  "alice::party",
		Pair:     "BTC/USDT",
		Side:     models.OrderSideSell,
		Type:     models.OrderTypeLimit,
		Quantity: d("50"),
		Price:    &p,
	})
	require.ErrorIs(t, err, ErrRiskRejected)

	// Risk runs before the lock.
	account, err := env.books.GetAccount(context.Background(), "alice::party")
	require.NoError(t, err)
	b := env.balance(t, account, "BTC")
	require.True(t, b.Locked.IsZero())
}

func TestEngineMatchesCrossingOrders(t *testing.T) {
	env := newTestEnv(t)
	alice := env.fund(t, "alice::party", "1", "0")
	bob := env.fund(t, "bob::party", "0", "200")
	btcBefore := env.totalSupply(t, "BTC")
	usdtBefore := env.totalSupply(t, "USDT")

	ask := env.submit(t, "alice::party", models.OrderSideSell, "1", "100")
	bid := env.submit(t, "bob::party", models.OrderSideBuy, "1", "105")

	env.engine.RunCycle(context.Background())

	trades, err := env.repo.ListTrades(context.Background(), "BTC/USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	trade := trades[0]
	// The ask rested first, so it is the maker and sets the price.
	require.Equal(t, ask.ID, trade.MakerOrderID)
	require.Equal(t, bid.ID, trade.TakerOrderID)
	require.Equal(t, models.OrderSideSell, trade.MakerSide)
	require.True(t, trade.Price.Equal(d("100")))
	require.True(t, trade.Quantity.Equal(d("1")))
	require.Equal(t, models.TradeSettled, trade.SettlementStatus)

	require.Equal(t, models.OrderStatusFilled, env.reload(t, ask).Status)
	require.Equal(t, models.OrderStatusFilled, env.reload(t, bid).Status)

	// Alice: 1 BTC sold for 100 USDT.
	require.True(t, env.balance(t, alice, "BTC").Available.IsZero())
	require.True(t, env.balance(t, alice, "BTC").Locked.IsZero())
	require.True(t, env.balance(t, alice, "USDT").Available.Equal(d("100")))

	// Bob: paid 100, price improvement of 5 released from the 105 lock.
	require.True(t, env.balance(t, bob, "BTC").Available.Equal(d("1")))
	require.True(t, env.balance(t, bob, "USDT").Available.Equal(d("100")))
	require.True(t, env.balance(t, bob, "USDT").Locked.IsZero())

	// Conservation: totals per asset are unchanged by trading.
	require.True(t, env.totalSupply(t, "BTC").Equal(btcBefore))
	require.True(t, env.totalSupply(t, "USDT").Equal(usdtBefore))

	// Audit rows reference the trade.
	var audits []models.Transaction
	require.NoError(t, env.db.Where("trade_id = ?", trade.ID).Find(&audits).Error)
	require.Len(t, audits, 2)
}

func TestMakerIsEarlierOrderEitherSide(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "1", "0")
	env.fund(t, "bob::party", "0", "200")

	// This time the bid rests first, so its price wins.
	bid := env.submit(t, "bob::party", models.OrderSideBuy, "1", "105")
	ask := env.submit(t, "alice::party", models.OrderSideSell, "1", "100")

	env.engine.RunCycle(context.Background())

	trades, err := env.repo.ListTrades(context.Background(), "BTC/USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, bid.ID, trades[0].MakerOrderID)
	require.Equal(t, ask.ID, trades[0].TakerOrderID)
	require.Equal(t, models.OrderSideBuy, trades[0].MakerSide)
	require.True(t, trades[0].Price.Equal(d("105")))
}

func TestPartialFill(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "5", "0")
	env.fund(t, "bob::party", "0", "200")

	ask := env.submit(t, "alice::party", models.OrderSideSell, "5", "100")
	bid := env.submit(t, "bob::party", models.OrderSideBuy, "2", "100")

	env.engine.RunCycle(context.Background())

	require.Equal(t, models.OrderStatusPartiallyFilled, env.reload(t, ask).Status)
	require.True(t, env.reload(t, ask).Remaining().Equal(d("3")))
	require.Equal(t, models.OrderStatusFilled, env.reload(t, bid).Status)

	// The remainder stays on the book for the next cycle.
	best := env.index.Book("BTC/USDT").BestAsk()
	require.NotNil(t, best)
	require.True(t, best.Remaining.Equal(d("3")))
}

func TestNoCrossNoTrade(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "1", "0")
	env.fund(t, "bob::party", "0", "200")

	env.submit(t, "alice::party", models.OrderSideSell, "1", "100")
	env.submit(t, "bob::party", models.OrderSideBuy, "1", "90")

	env.engine.RunCycle(context.Background())

	trades, err := env.repo.ListTrades(context.Background(), "BTC/USDT", 10)
	require.NoError(t, err)
	require.Empty(t, trades)
	require.Zero(t, env.engine.MatchedCount())
}

func TestPriceTimePriorityAcrossOrders(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "2", "0")
	env.fund(t, "carol::party", "2", "0")
	env.fund(t, "bob::party", "0", "200")

	first := env.submit(t, "alice::party", models.OrderSideSell, "1", "100")
	second := env.submit(t, "carol::party", models.OrderSideSell, "1", "100")
	env.submit(t, "bob::party", models.OrderSideBuy, "1", "100")

	env.engine.RunCycle(context.Background())

	require.Equal(t, models.OrderStatusFilled, env.reload(t, first).Status)
	require.Equal(t, models.OrderStatusOpen, env.reload(t, second).Status)
}

func TestEngineCycleExecutesMultipleTrades(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "1", "0")
	env.fund(t, "carol::party", "1", "0")
	env.fund(t, "bob::party", "0", "500")

	a1 := env.submit(t, "alice::party", models.OrderSideSell, "1", "100")
	a2 := env.submit(t, "carol::party", models.OrderSideSell, "1", "101")
	bid := env.submit(t, "bob::party", models.OrderSideBuy, "2", "101")

	env.engine.RunCycle(context.Background())

	trades, err := env.repo.ListTrades(context.Background(), "BTC/USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, models.OrderStatusFilled, env.reload(t, a1).Status)
	require.Equal(t, models.OrderStatusFilled, env.reload(t, a2).Status)
	require.Equal(t, models.OrderStatusFilled, env.reload(t, bid).Status)
	require.EqualValues(t, 2, env.engine.MatchedCount())

	// The book is uncrossed and empty.
	book := env.index.Book("BTC/USDT")
	require.Nil(t, book.BestBid())
	require.Nil(t, book.BestAsk())
}

func TestCancelOrderUnlocksRemainder(t *testing.T) {
	env := newTestEnv(t)
	alice := env.fund(t, "alice::party", "5", "0")

	order := env.submit(t, "alice::party", models.OrderSideSell, "5", "100")
	require.True(t, env.balance(t, alice, "BTC").Locked.Equal(d("5")))

	cancelled, err := env.service.CancelOrder(context.Background(), order.ID, "alice::party")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	require.True(t, env.balance(t, alice, "BTC").Locked.IsZero())
	require.True(t, env.balance(t, alice, "BTC").Available.Equal(d("5")))

	// A repeated cancel fails atomically: no state change, no double unlock.
	_, err = env.service.CancelOrder(context.Background(), order.ID, "alice::party")
	require.ErrorIs(t, err, ErrOrderNotCancellable)
	require.True(t, env.balance(t, alice, "BTC").Available.Equal(d("5")))
}

func TestCancelPartiallyFilledOrder(t *testing.T) {
	env := newTestEnv(t)
	alice := env.fund(t, "alice::party", "5", "0")
	env.fund(t, "bob::party", "0", "200")

	ask := env.submit(t, "alice::party", models.OrderSideSell, "5", "100")
	env.submit(t, "bob::party", models.OrderSideBuy, "2", "100")
	env.engine.RunCycle(context.Background())

	cancelled, err := env.service.CancelOrder(context.Background(), ask.ID, "alice::party")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	require.True(t, cancelled.FilledQuantity.Equal(d("2")))

	// Only the unfilled 3 BTC come back; the filled 2 were sold.
	b := env.balance(t, alice, "BTC")
	require.True(t, b.Available.Equal(d("3")))
	require.True(t, b.Locked.IsZero())
}

func TestCancelFilledOrderFails(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "1", "0")
	env.fund(t, "bob::party", "0", "200")

	ask := env.submit(t, "alice::party", models.OrderSideSell, "1", "100")
	env.submit(t, "bob::party", models.OrderSideBuy, "1", "100")
	env.engine.RunCycle(context.Background())

	_, err := env.service.CancelOrder(context.Background(), ask.ID, "alice::party")
	require.ErrorIs(t, err, ErrOrderNotCancellable)
}

func TestCancelOtherPartysOrder(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "1", "0")
	order := env.submit(t, "alice::party", models.OrderSideSell, "1", "100")

	_, err := env.service.CancelOrder(context.Background(), order.ID, "mallory::party")
	require.ErrorIs(t, err, ErrNotOrderOwner)
	require.Equal(t, models.OrderStatusOpen, env.reload(t, order).Status)
}

func TestEngineKeepsBookOnStoreError(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "1", "0")
	env.fund(t, "bob::party", "0", "200")

	env.submit(t, "alice::party", models.OrderSideSell, "1", "100")
	env.submit(t, "bob::party", models.OrderSideBuy, "1", "105")

	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	env.engine.RunCycle(context.Background())

	// A failed lookup is not a missing order: both live entries stay
	// listed for the next cycle.
	book := env.index.Book("BTC/USDT")
	require.Equal(t, 2, book.Len())
	require.Zero(t, env.engine.MatchedCount())
}

func TestEngineEvictsOrderUnknownToStore(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice::party", "1", "0")
	env.submit(t, "alice::party", models.OrderSideSell, "1", "100")

	// A bid the store never saw, crossing the real ask.
	book := env.index.Book("BTC/USDT")
	book.Add(&orderbook.Entry{
		OrderID:   uuid.New(),
		PartyID:   "ghost::party",
		Side:      models.OrderSideBuy,
		Price:     d("105"),
		Remaining: d("1"),
		CreatedAt: time.Now(),
	})

	env.engine.RunCycle(context.Background())

	// The unknown entry is gone, the real ask survives, nothing traded.
	require.Equal(t, 1, book.Len())
	require.Nil(t, book.BestBid())
	require.NotNil(t, book.BestAsk())
	trades, err := env.repo.ListTrades(context.Background(), "BTC/USDT", 10)
	require.NoError(t, err)
	require.Empty(t, trades)
}

func TestExecutorAbortsWithoutLockedFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.fund(t, "alice::party", "0", "0")
	bob := env.fund(t, "bob::party", "0", "0")

	// Orders written directly to the store, bypassing the funds lock.
	price := d("100")
	now := time.Now()
	maker := &models.Order{
		ID: uuid.New(), AccountID: alice.ID, PartyID: alice.PartyID,
		Pair: "BTC/USDT", Side: models.OrderSideSell, Type: models.OrderTypeLimit,
		Quantity: d("1"), FilledQuantity: decimal.Zero, Price: &price,
		Status: models.OrderStatusOpen, CreatedAt: now, UpdatedAt: now,
	}
	taker := &models.Order{
		ID: uuid.New(), AccountID: bob.ID, PartyID: bob.PartyID,
		Pair: "BTC/USDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Quantity: d("1"), FilledQuantity: decimal.Zero, Price: &price,
		Status: models.OrderStatusOpen, CreatedAt: now.Add(time.Millisecond), UpdatedAt: now,
	}
	require.NoError(t, env.repo.CreateOrder(ctx, nil, maker))
	require.NoError(t, env.repo.CreateOrder(ctx, nil, taker))

	_, err := env.executor.ExecuteTrade(ctx, maker, taker, d("1"), price)
	require.ErrorIs(t, err, bookkeeper.ErrInsufficientLocked)

	// All-or-nothing: the failed execution left the orders untouched and
	// wrote no trade.
	require.True(t, env.reload(t, maker).FilledQuantity.IsZero())
	require.Equal(t, models.OrderStatusOpen, env.reload(t, maker).Status)
	require.True(t, env.reload(t, taker).FilledQuantity.IsZero())
	var count int64
	require.NoError(t, env.db.Model(&models.Trade{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestExecutorRejectsStaleOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice::party", "1", "0")
	env.fund(t, "bob::party", "0", "200")

	ask := env.submit(t, "alice::party", models.OrderSideSell, "1", "100")
	bid := env.submit(t, "bob::party", models.OrderSideBuy, "1", "100")

	_, err := env.service.CancelOrder(ctx, ask.ID, "alice::party")
	require.NoError(t, err)

	makerOrder := env.reload(t, ask)
	takerOrder := env.reload(t, bid)
	_, err = env.executor.ExecuteTrade(ctx, makerOrder, takerOrder, d("1"), d("100"))
	require.ErrorIs(t, err, ErrOrderNotOpen)
}
