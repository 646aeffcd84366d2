package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeStop   = "STOP"
)

// Order statuses. An order is never deleted; it only transitions into a
// terminal state (FILLED or CANCELLED).
const (
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
)

// Trade settlement status for the local-ledger path. Trades settled on the
// external ledger are tracked separately via SettlementRecord.
const (
	TradeSettled = "SETTLED"
)

// Settlement record statuses
const (
	SettlementPending    = "PENDING"
	SettlementExecuting  = "EXECUTING"
	SettlementCompleted  = "COMPLETED"
	SettlementFailed     = "FAILED"
	SettlementRolledBack = "ROLLED_BACK"
)

// Transaction types for the audit trail
const (
	TxTypeDeposit  = "DEPOSIT"
	TxTypeWithdraw = "WITHDRAW"
	TxTypeTrade    = "TRADE"
)

// Account represents a trading account owned by a ledger party.
type Account struct {
	ID          uuid.UUID `json:"account_id" gorm:"primaryKey;type:uuid"`
	PartyID     string    `json:"party_id" gorm:"uniqueIndex"`
	DisplayName string    `json:"display_name"`
	Status      string    `json:"status" gorm:"default:ACTIVE"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Balance represents the funds an account holds in a single asset.
// Invariant: Available >= 0 and Locked >= 0 at every observable point.
type Balance struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID uuid.UUID       `json:"account_id" gorm:"type:uuid;uniqueIndex:idx_balance_account_asset"`
	Asset     string          `json:"asset" gorm:"uniqueIndex:idx_balance_account_asset"`
	Available decimal.Decimal `json:"available" gorm:"type:decimal(32,16)"`
	Locked    decimal.Decimal `json:"locked" gorm:"type:decimal(32,16)"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Order represents an order in the book. CreatedAt is the time-priority
// tie-break: among equal prices the earlier order matches first.
type Order struct {
	ID             uuid.UUID        `json:"order_id" gorm:"primaryKey;type:uuid"`
	AccountID      uuid.UUID        `json:"account_id" gorm:"type:uuid;index"`
	PartyID        string           `json:"party_id" gorm:"index"`
	Pair           string           `json:"pair" gorm:"index:idx_order_pair_status"`
	Side           string           `json:"side"`
	Type           string           `json:"order_type"`
	Quantity       decimal.Decimal  `json:"quantity" gorm:"type:decimal(32,16)"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity" gorm:"type:decimal(32,16)"`
	Price          *decimal.Decimal `json:"price,omitempty" gorm:"type:decimal(32,16)"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty" gorm:"type:decimal(32,16)"`
	Status         string           `json:"status" gorm:"index:idx_order_pair_status"`
	CreatedAt      time.Time        `json:"created_at" gorm:"index"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Remaining returns the unfilled quantity of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsTerminal reports whether the order can no longer be filled or cancelled.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// Trade is the immutable record of a matched execution. It is the system's
// append-only audit record and the unit external settlement keys off.
type Trade struct {
	ID               uuid.UUID       `json:"trade_id" gorm:"primaryKey;type:uuid"`
	MakerOrderID     uuid.UUID       `json:"maker_order_id" gorm:"type:uuid;index"`
	TakerOrderID     uuid.UUID       `json:"taker_order_id" gorm:"type:uuid;index"`
	MakerPartyID     string          `json:"maker_party_id"`
	TakerPartyID     string          `json:"taker_party_id"`
	Pair             string          `json:"pair" gorm:"index"`
	Quantity         decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16)"`
	Price            decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	MakerSide        string          `json:"maker_side"`
	SettlementStatus string          `json:"settlement_status"`
	MatchedAt        time.Time       `json:"matched_at" gorm:"index"`
}

// Transaction is an append-only audit row for a single balance movement,
// attributable to a deposit, withdrawal, or trade leg.
type Transaction struct {
	ID           uuid.UUID       `json:"transaction_id" gorm:"primaryKey;type:uuid"`
	AccountID    uuid.UUID       `json:"account_id" gorm:"type:uuid;index"`
	PartyID      string          `json:"party_id"`
	Type         string          `json:"tx_type"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"` // signed: negative for debits
	BalanceAfter decimal.Decimal `json:"balance_after" gorm:"type:decimal(32,16)"`
	TradeID      *uuid.UUID      `json:"trade_id,omitempty" gorm:"type:uuid;index"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MarketData holds the aggregated statistics for one trading pair.
type MarketData struct {
	Pair      string           `json:"pair" gorm:"primaryKey"`
	LastPrice *decimal.Decimal `json:"last_price,omitempty" gorm:"type:decimal(32,16)"`
	BestBid   *decimal.Decimal `json:"best_bid,omitempty" gorm:"type:decimal(32,16)"`
	BestAsk   *decimal.Decimal `json:"best_ask,omitempty" gorm:"type:decimal(32,16)"`
	High24h   *decimal.Decimal `json:"high_24h,omitempty" gorm:"type:decimal(32,16)"`
	Low24h    *decimal.Decimal `json:"low_24h,omitempty" gorm:"type:decimal(32,16)"`
	Volume24h decimal.Decimal  `json:"volume_24h" gorm:"type:decimal(32,16)"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// SettlementRecord tracks the lifecycle of one external atomic DvP exchange
// tied to a trade. Transitions are coordinator-owned; COMPLETED and
// ROLLED_BACK are terminal.
type SettlementRecord struct {
	ID            uuid.UUID       `json:"settlement_id" gorm:"primaryKey;type:uuid"`
	TradeID       uuid.UUID       `json:"trade_id" gorm:"type:uuid;index"`
	ContractID    string          `json:"contract_id"`
	BuyerParty    string          `json:"buyer_party"`
	SellerParty   string          `json:"seller_party"`
	Pair          string          `json:"pair"`
	Quantity      decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16)"`
	CashAmount    decimal.Decimal `json:"cash_amount" gorm:"type:decimal(32,16)"`
	BuyerAssetRef string          `json:"buyer_asset_ref,omitempty"`
	SellerCashRef string          `json:"seller_cash_ref,omitempty"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty" gorm:"index"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// OrderBookLevel represents one price level in the aggregated order book.
type OrderBookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"order_count"`
}

// OrderBookSnapshot is the aggregated view returned to API clients.
type OrderBookSnapshot struct {
	Pair      string           `json:"pair"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	UpdatedAt time.Time        `json:"updated_at"`
}
