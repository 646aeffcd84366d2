// Package orderbook maintains the in-memory price-time priority index over
// open orders. The ledger store stays the source of truth; the book is an
// index rebuilt from it at startup and kept in sync by the trading service
// and matching engine.
package orderbook

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/cantondex/backend/pkg/models"
)

// Entry is one resting order as the book sees it. Remaining is mutated in
// place on partial fills; the ordering keys (Price, CreatedAt, OrderID)
// never change after insertion.
type Entry struct {
	OrderID   uuid.UUID
	PartyID   string
	Side      string
	Price     decimal.Decimal
	Remaining decimal.Decimal
	CreatedAt time.Time
}

// Book indexes the open orders of a single trading pair. Bids iterate from
// the highest price down, asks from the lowest price up; within a price
// level the earlier order comes first.
type Book struct {
	mu      sync.RWMutex
	pair    string
	bids    *btree.BTreeG[*Entry]
	asks    *btree.BTreeG[*Entry]
	entries map[uuid.UUID]*Entry
}

func lessBid(a, b *Entry) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	return lessTime(a, b)
}

func lessAsk(a, b *Entry) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	return lessTime(a, b)
}

func lessTime(a, b *Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	// Deterministic tie-break for orders created in the same instant.
	return a.OrderID.String() < b.OrderID.String()
}

// New creates an empty book for a pair.
func New(pair string) *Book {
	return &Book{
		pair:    pair,
		bids:    btree.NewBTreeG(lessBid),
		asks:    btree.NewBTreeG(lessAsk),
		entries: make(map[uuid.UUID]*Entry),
	}
}

// Pair returns the trading pair this book indexes.
func (b *Book) Pair() string { return b.pair }

// Add inserts an open order into the book. Adding an order that is already
// present replaces its entry.
func (b *Book) Add(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.entries[e.OrderID]; ok {
		b.treeFor(old.Side).Delete(old)
	}
	b.entries[e.OrderID] = e
	b.treeFor(e.Side).Set(e)
}

// Remove drops an order from the book, e.g. on cancel or full fill. It is a
// no-op if the order is not indexed.
func (b *Book) Remove(orderID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[orderID]
	if !ok {
		return
	}
	delete(b.entries, orderID)
	b.treeFor(e.Side).Delete(e)
}

// Reduce decreases an order's remaining quantity after a partial fill,
// removing the order once nothing remains.
func (b *Book) Reduce(orderID uuid.UUID, filled decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[orderID]
	if !ok {
		return
	}
	e.Remaining = e.Remaining.Sub(filled)
	if e.Remaining.LessThanOrEqual(decimal.Zero) {
		delete(b.entries, orderID)
		b.treeFor(e.Side).Delete(e)
	}
}

// BestBid returns the highest-priced, earliest bid, or nil on an empty side.
func (b *Book) BestBid() *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.bids.Min(); ok {
		c := *e
		return &c
	}
	return nil
}

// BestAsk returns the lowest-priced, earliest ask, or nil on an empty side.
func (b *Book) BestAsk() *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.asks.Min(); ok {
		c := *e
		return &c
	}
	return nil
}

// Len returns the number of resting orders on both sides.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Snapshot aggregates both sides into price levels, best price first,
// truncated to depth levels per side. depth <= 0 means no truncation.
func (b *Book) Snapshot(depth int) models.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return models.OrderBookSnapshot{
		Pair:      b.pair,
		Bids:      aggregate(b.bids, depth),
		Asks:      aggregate(b.asks, depth),
		UpdatedAt: time.Now(),
	}
}

func aggregate(tree *btree.BTreeG[*Entry], depth int) []models.OrderBookLevel {
	levels := make([]models.OrderBookLevel, 0, max(depth, 0))
	tree.Scan(func(e *Entry) bool {
		n := len(levels)
		if n > 0 && levels[n-1].Price.Equal(e.Price) {
			levels[n-1].Quantity = levels[n-1].Quantity.Add(e.Remaining)
			levels[n-1].OrderCount++
			return true
		}
		if depth > 0 && n == depth {
			return false
		}
		levels = append(levels, models.OrderBookLevel{
			Price:      e.Price,
			Quantity:   e.Remaining,
			OrderCount: 1,
		})
		return true
	})
	return levels
}

func (b *Book) treeFor(side string) *btree.BTreeG[*Entry] {
	if side == models.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Manager holds one book per configured trading pair.
type Manager struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewManager creates books for the given pairs.
func NewManager(pairs []string) *Manager {
	books := make(map[string]*Book, len(pairs))
	for _, pair := range pairs {
		books[pair] = New(pair)
	}
	return &Manager{books: books}
}

// Book returns the book for a pair, or nil if the pair is not configured.
func (m *Manager) Book(pair string) *Book {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books[pair]
}

// Pairs lists the configured trading pairs.
func (m *Manager) Pairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pairs := make([]string, 0, len(m.books))
	for pair := range m.books {
		pairs = append(pairs, pair)
	}
	return pairs
}

// Rebuild repopulates all books from the given open orders, replacing any
// existing index state. Orders for unconfigured pairs are skipped.
func (m *Manager) Rebuild(orders []models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pair, book := range m.books {
		m.books[pair] = New(book.pair)
	}
	for i := range orders {
		o := &orders[i]
		book, ok := m.books[o.Pair]
		if !ok || o.Price == nil {
			continue
		}
		book.Add(&Entry{
			OrderID:   o.ID,
			PartyID:   o.PartyID,
			Side:      o.Side,
			Price:     *o.Price,
			Remaining: o.Remaining(),
			CreatedAt: o.CreatedAt,
		})
	}
}
