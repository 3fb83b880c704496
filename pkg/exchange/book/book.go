// Package book implements the price-ordered order book: two sides of price
// levels, each level a FIFO queue of resting order references.
package book

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/btree"
)

// Entry is a resting order reference. The book owns Remaining; the canonical
// order record lives in the order store.
type Entry struct {
	OrderID   uint64
	Trader    common.Address
	Side      Side
	Price     *big.Int
	Remaining *big.Int
	Seq       uint64
}

// Side distinguishes the two halves of the book.
type Side int8

const (
	Bid Side = iota
	Ask
)

// Level holds all resting orders at one price, in arrival order. Head of the
// queue is index 0 and is always consumed first.
type Level struct {
	Price *big.Int
	Queue []*Entry
}

// Total returns the aggregate resting quantity at this level.
func (l *Level) Total() *big.Int {
	sum := new(big.Int)
	for _, e := range l.Queue {
		sum.Add(sum, e.Remaining)
	}
	return sum
}

// Book maintains bids and asks as ordered btrees of price levels. The best
// level of either side is the tree minimum, so both sides walk best-first
// with a plain scan. Lookup by order ID is O(1) via the entry index.
type Book struct {
	bids  *btree.BTreeG[*Level] // price descending
	asks  *btree.BTreeG[*Level] // price ascending
	index map[uint64]*Entry
}

func New() *Book {
	return &Book{
		bids: btree.NewBTreeG(func(a, b *Level) bool {
			return a.Price.Cmp(b.Price) > 0
		}),
		asks: btree.NewBTreeG(func(a, b *Level) bool {
			return a.Price.Cmp(b.Price) < 0
		}),
		index: make(map[uint64]*Entry),
	}
}

func (b *Book) tree(s Side) *btree.BTreeG[*Level] {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// Insert appends a resting entry to the tail of its price level, creating
// the level if needed. Mid-queue insertion does not exist: time priority
// within a level is strictly arrival order.
func (b *Book) Insert(e *Entry) error {
	if _, dup := b.index[e.OrderID]; dup {
		return fmt.Errorf("order %d already resting", e.OrderID)
	}
	t := b.tree(e.Side)
	lvl, ok := t.Get(&Level{Price: e.Price})
	if !ok {
		lvl = &Level{Price: new(big.Int).Set(e.Price)}
		t.Set(lvl)
	}
	lvl.Queue = append(lvl.Queue, e)
	b.index[e.OrderID] = e
	return nil
}

// Remove deletes a resting order entirely, pruning its level if emptied.
func (b *Book) Remove(orderID uint64) (*Entry, bool) {
	e, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	t := b.tree(e.Side)
	lvl, ok := t.Get(&Level{Price: e.Price})
	if !ok {
		return nil, false
	}
	for i, q := range lvl.Queue {
		if q.OrderID == orderID {
			lvl.Queue = append(lvl.Queue[:i], lvl.Queue[i+1:]...)
			break
		}
	}
	if len(lvl.Queue) == 0 {
		t.Delete(lvl)
	}
	delete(b.index, orderID)
	return e, true
}

// Reduce shrinks a resting order's remaining quantity in place. The entry
// keeps its queue position; partial consumption never reorders a level.
func (b *Book) Reduce(orderID uint64, by *big.Int) error {
	e, ok := b.index[orderID]
	if !ok {
		return fmt.Errorf("order %d not resting", orderID)
	}
	if e.Remaining.Cmp(by) < 0 {
		return fmt.Errorf("reduce %d by %s exceeds remaining %s", orderID, by, e.Remaining)
	}
	e.Remaining.Sub(e.Remaining, by)
	return nil
}

// Contains reports whether an order is resting.
func (b *Book) Contains(orderID uint64) bool {
	_, ok := b.index[orderID]
	return ok
}

// BestBid returns the highest-priced bid level.
func (b *Book) BestBid() (*Level, bool) { return b.bids.Min() }

// BestAsk returns the lowest-priced ask level.
func (b *Book) BestAsk() (*Level, bool) { return b.asks.Min() }

// Walk visits the given side's levels best-first until the callback returns
// false. Callers must not mutate the book during the walk.
func (b *Book) Walk(s Side, fn func(*Level) bool) {
	b.tree(s).Scan(fn)
}

// LevelCount returns the number of populated price levels on a side.
func (b *Book) LevelCount(s Side) int { return b.tree(s).Len() }

// DepthItem is one aggregated price level for snapshots.
type DepthItem struct {
	Price    *big.Int
	Quantity *big.Int
	Orders   int
}

// Depth returns up to max aggregated levels of a side, best-first. max <= 0
// means the whole side.
func (b *Book) Depth(s Side, max int) []DepthItem {
	var out []DepthItem
	b.tree(s).Scan(func(lvl *Level) bool {
		out = append(out, DepthItem{
			Price:    new(big.Int).Set(lvl.Price),
			Quantity: lvl.Total(),
			Orders:   len(lvl.Queue),
		})
		return max <= 0 || len(out) < max
	})
	return out
}
