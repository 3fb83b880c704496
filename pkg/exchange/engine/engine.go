// Package engine is the matching orchestrator: it validates submissions,
// crosses them against the book, and commits settlements, status updates,
// and book mutations as one atomic unit.
package engine

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onbook/onbook/pkg/exchange"
	"github.com/onbook/onbook/pkg/exchange/book"
	"github.com/onbook/onbook/pkg/exchange/orderstore"
	"github.com/onbook/onbook/pkg/exchange/registry"
	"github.com/onbook/onbook/pkg/exchange/settle"
	"github.com/onbook/onbook/pkg/exchange/trades"
	"github.com/onbook/onbook/pkg/util"
)

// Config tunes one engine instance.
type Config struct {
	// MaxMatches caps how many resting orders one submission may cross.
	// Exceeding it fails the submission with ErrResourceExhausted and zero
	// effect. <= 0 means unbounded.
	MaxMatches int

	// Clock supplies order and trade timestamps. Nil means wall clock.
	Clock util.Clock
}

// Engine serializes all submissions for its books: one Place or Cancel runs
// to completion before the next is considered, so every submission observes
// the full effects of its predecessors and no partially-applied state.
type Engine struct {
	mu sync.Mutex

	log     *zap.SugaredLogger
	reg     *registry.Registry
	store   *orderstore.Store
	settler *settle.Processor
	journal *trades.Journal // optional audit trail
	sink    exchange.EventSink

	books      map[string]*book.Book
	maxMatches int

	clock util.Clock
}

func New(log *zap.SugaredLogger, reg *registry.Registry, store *orderstore.Store,
	settler *settle.Processor, journal *trades.Journal, cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	e := &Engine{
		log:        log,
		reg:        reg,
		store:      store,
		settler:    settler,
		journal:    journal,
		books:      make(map[string]*book.Book),
		maxMatches: cfg.MaxMatches,
		clock:      clock,
	}
	e.restoreBooks()
	return e
}

// restoreBooks reinserts surviving resting orders after a restart. Only
// limit orders rest; a non-terminal market order records a partial fill that
// never returns to the book. Insertion in sequence order preserves time
// priority within each level.
func (e *Engine) restoreBooks() {
	restored := 0
	for _, o := range e.store.Live() {
		if o.Type != exchange.Limit {
			continue
		}
		side := book.Bid
		if o.Side == exchange.Sell {
			side = book.Ask
		}
		err := e.book(o.Pair).Insert(&book.Entry{
			OrderID:   o.ID,
			Trader:    o.Trader,
			Side:      side,
			Price:     new(big.Int).Set(o.Price),
			Remaining: o.Remaining(),
			Seq:       o.Seq,
		})
		if err != nil {
			e.log.Errorw("restore resting order", "order", o.ID, "err", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		e.log.Infow("order books restored", "orders", restored)
	}
}

func (e *Engine) now() int64 { return e.clock.Now().UnixMilli() }

// SetEventSink attaches the post-commit event consumer.
func (e *Engine) SetEventSink(sink exchange.EventSink) { e.sink = sink }

// PlaceRequest is one order submission.
type PlaceRequest struct {
	Trader common.Address
	Pair   string
	Side   exchange.Side
	Type   exchange.OrderType

	// Price is required for Limit/IOC/FOK and ignored for Market.
	Price *big.Int

	// Quantity is the requested base quantity. Market buys may instead set
	// QuoteBudget to spend a fixed quote amount.
	Quantity    *big.Int
	QuoteBudget *big.Int
}

// PlaceResult reports a committed submission.
type PlaceResult struct {
	Order       *exchange.Order
	Settlements []*exchange.Settlement
}

// Place runs one submission end to end: validate, match, settle, commit.
// Either everything commits (book mutations, status updates, transfers) or
// the call returns an error and nothing changed.
func (e *Engine) Place(req PlaceRequest) (*PlaceResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pair, ok := e.reg.Pair(req.Pair)
	if !ok {
		return nil, fmt.Errorf("pair %q: %w", req.Pair, exchange.ErrUnsupportedPair)
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	id, seq := e.store.Next()
	now := e.now()
	o := &exchange.Order{
		ID:         id,
		Trader:     req.Trader,
		Pair:       req.Pair,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   clone(req.Quantity),
		Filled:     new(big.Int),
		SpentQuote: new(big.Int),
		Status:     exchange.Open,
		Seq:        seq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Type != exchange.Market {
		o.Price = clone(req.Price)
	}
	if req.Type == exchange.Market {
		o.QuoteBudget = clone(req.QuoteBudget)
	}
	created := o.Clone() // as-accepted snapshot for the created event

	b := e.book(req.Pair)
	pl, err := e.cross(b, pair, o)
	if err != nil {
		return nil, err
	}

	// Fill-or-kill: anything short of a full fill is a kill with zero book
	// effect. The walk above mutated nothing, so aborting here is free.
	if o.Type == exchange.FOK && pl.filledBase.Cmp(o.Quantity) < 0 {
		o.Status = exchange.Canceled
		if err := e.store.Commit(o); err != nil {
			return nil, err
		}
		e.publishOrder(exchange.EventOrderCreated, created)
		e.publishOrder(exchange.EventOrderUpdated, o)
		e.log.Infow("order_killed", "id", o.ID, "pair", o.Pair,
			"available", pl.filledBase.String(), "requested", o.Quantity.String())
		return &PlaceResult{Order: o.Clone()}, nil
	}

	settlements, makers, err := e.stage(pair, o, pl)
	if err != nil {
		return nil, err
	}

	o.Filled.Set(pl.filledBase)
	o.SpentQuote.Set(pl.spentQuote)
	rests := e.finalize(o, pl)

	// Dry-run the lifecycle checks now so the commit after settlement
	// cannot fail on transition grounds.
	for _, m := range makers {
		if err := e.store.Check(m); err != nil {
			return nil, err
		}
	}

	// The only failure-prone step: move the tokens. Any insufficient
	// balance or allowance aborts the whole submission here, before any
	// book or status mutation.
	if err := e.settler.Apply(pair, settlements); err != nil {
		return nil, err
	}

	if err := e.commit(b, pair, o, created, pl, makers, settlements, rests); err != nil {
		return nil, err
	}
	return &PlaceResult{Order: o.Clone(), Settlements: settlements}, nil
}

// Cancel withdraws an order. Only the order's owner or the admin may cancel;
// terminal orders reject with ErrInvalidTransition. Filled quantity is
// retained.
func (e *Engine) Cancel(id uint64, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if caller != o.Trader && caller != e.reg.Admin() {
		return fmt.Errorf("cancel order %d: %w", id, exchange.ErrUnauthorized)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("cancel order %d in status %s: %w", id, o.Status, exchange.ErrInvalidTransition)
	}

	o.Status = exchange.Canceled
	o.UpdatedAt = e.now()
	if err := e.store.Commit(o); err != nil {
		return err
	}
	if b, ok := e.books[o.Pair]; ok {
		b.Remove(id)
	}
	e.publishOrder(exchange.EventOrderUpdated, o)
	e.log.Infow("order_canceled", "id", id, "pair", o.Pair, "filled", o.Filled.String())
	return nil
}

// Order returns the current record of an order.
func (e *Engine) Order(id uint64) (*exchange.Order, error) {
	return e.store.Get(id)
}

// Depth returns aggregated book depth for a pair, best-first.
func (e *Engine) Depth(pair string, max int) (bids, asks []book.DepthItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[pair]
	if !ok {
		return nil, nil
	}
	return b.Depth(book.Bid, max), b.Depth(book.Ask, max)
}

func (e *Engine) book(pair string) *book.Book {
	if b, ok := e.books[pair]; ok {
		return b
	}
	b := book.New()
	e.books[pair] = b
	return b
}

// stage builds the settlement records and updated maker orders for a plan.
// Nothing is mutated; everything staged here is discarded on failure.
func (e *Engine) stage(pair registry.Pair, o *exchange.Order, pl *plan) ([]*exchange.Settlement, []*exchange.Order, error) {
	now := e.now()
	settlements := make([]*exchange.Settlement, 0, len(pl.fills))
	makers := make([]*exchange.Order, 0, len(pl.fills))

	for _, f := range pl.fills {
		maker, err := e.store.Get(f.entry.OrderID)
		if err != nil {
			return nil, nil, fmt.Errorf("resting order %d missing from store: %w", f.entry.OrderID, err)
		}
		maker.Filled.Add(maker.Filled, f.qty)
		maker.Status = orderstore.StatusFor(maker)
		maker.UpdatedAt = now
		makers = append(makers, maker)

		settlements = append(settlements, &exchange.Settlement{
			ID:           uuid.New().String(),
			Pair:         pair.Symbol,
			TakerOrderID: o.ID,
			MakerOrderID: maker.ID,
			Taker:        o.Trader,
			Maker:        maker.Trader,
			TakerSide:    o.Side,
			Price:        new(big.Int).Set(f.entry.Price),
			Quantity:     new(big.Int).Set(f.qty),
			Timestamp:    now,
		})
	}
	return settlements, makers, nil
}

// finalize assigns the taker's post-loop status and reports whether a
// remainder rests on the book.
func (e *Engine) finalize(o *exchange.Order, pl *plan) (rests bool) {
	switch {
	case pl.satisfied:
		o.Status = exchange.Filled
	case o.Type == exchange.Limit:
		// Remainder rests; the order stays live on the book.
		if o.Filled.Sign() > 0 {
			o.Status = exchange.PartiallyFilled
		} else {
			o.Status = exchange.Open
		}
		return true
	case o.Type == exchange.IOC:
		// Whatever matched stands; the rest is discarded.
		o.Status = exchange.Canceled
	case o.Type == exchange.Market:
		// Market orders never rest. Leftover means the book ran dry.
		if o.Filled.Sign() > 0 {
			o.Status = exchange.PartiallyFilled
		} else {
			o.Status = exchange.Canceled
		}
	default: // FOK with a full fill lands in the satisfied case above
		o.Status = exchange.Filled
	}
	return false
}

// commit applies an already-settled plan: order records, book mutations,
// audit journal, events. Settlement has succeeded by this point, so any
// failure here is a store I/O fault and is surfaced loudly; the transfer
// batch is already durable.
func (e *Engine) commit(b *book.Book, pair registry.Pair, o, created *exchange.Order,
	pl *plan, makers []*exchange.Order, settlements []*exchange.Settlement, rests bool) error {

	records := append(append([]*exchange.Order{}, makers...), o)
	if err := e.store.Commit(records...); err != nil {
		e.log.Errorw("order store commit failed after settlement", "err", err, "taker", o.ID)
		return fmt.Errorf("commit order records: %w", err)
	}

	for _, f := range pl.fills {
		if f.entry.Remaining.Cmp(f.qty) == 0 {
			b.Remove(f.entry.OrderID)
		} else if err := b.Reduce(f.entry.OrderID, f.qty); err != nil {
			return fmt.Errorf("reduce resting order %d: %w", f.entry.OrderID, err)
		}
	}

	if rests {
		side := book.Bid
		if o.Side == exchange.Sell {
			side = book.Ask
		}
		if err := b.Insert(&book.Entry{
			OrderID:   o.ID,
			Trader:    o.Trader,
			Side:      side,
			Price:     new(big.Int).Set(o.Price),
			Remaining: o.Remaining(),
			Seq:       o.Seq,
		}); err != nil {
			return fmt.Errorf("rest remainder of order %d: %w", o.ID, err)
		}
	}

	if e.journal != nil && len(settlements) > 0 {
		if err := e.journal.Append(settlements); err != nil {
			// Audit trail only; the trade itself is committed.
			e.log.Errorw("trade journal append failed", "err", err)
		}
	}

	e.publishOrder(exchange.EventOrderCreated, created)
	for _, s := range settlements {
		e.publishSettlement(s)
	}
	for _, m := range makers {
		e.publishOrder(exchange.EventOrderUpdated, m)
	}
	e.publishOrder(exchange.EventOrderUpdated, o)

	e.log.Infow("order_placed",
		"id", o.ID, "pair", o.Pair, "side", o.Side.String(), "type", o.Type.String(),
		"filled", o.Filled.String(), "status", o.Status.String(), "matches", len(settlements))
	return nil
}

func (e *Engine) publishOrder(t exchange.EventType, o *exchange.Order) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(exchange.Event{Type: t, Pair: o.Pair, Order: o.Clone(), Timestamp: e.now()})
}

func (e *Engine) publishSettlement(s *exchange.Settlement) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(exchange.Event{Type: exchange.EventSettlement, Pair: s.Pair, Settlement: s, Timestamp: e.now()})
}

// validate applies the pre-trade checks. Nothing is allocated or mutated on
// failure.
func validate(req PlaceRequest) error {
	switch req.Type {
	case exchange.Limit, exchange.IOC, exchange.FOK:
		if req.Price == nil || req.Price.Sign() <= 0 {
			return fmt.Errorf("%s order: %w", req.Type, exchange.ErrInvalidPrice)
		}
		if req.Quantity == nil || req.Quantity.Sign() <= 0 {
			return fmt.Errorf("%s order: %w", req.Type, exchange.ErrInvalidQuantity)
		}
		if req.QuoteBudget != nil {
			return fmt.Errorf("quote budget is only valid for market buys: %w", exchange.ErrInvalidQuantity)
		}
	case exchange.Market:
		hasQty := req.Quantity != nil
		hasBudget := req.QuoteBudget != nil
		if hasQty == hasBudget {
			return fmt.Errorf("market order needs exactly one of quantity or quote budget: %w", exchange.ErrInvalidQuantity)
		}
		if hasQty && req.Quantity.Sign() <= 0 {
			return fmt.Errorf("market order: %w", exchange.ErrInvalidQuantity)
		}
		if hasBudget {
			if req.Side != exchange.Buy {
				return fmt.Errorf("quote budget is only valid for market buys: %w", exchange.ErrInvalidQuantity)
			}
			if req.QuoteBudget.Sign() <= 0 {
				return fmt.Errorf("market order: %w", exchange.ErrInvalidQuantity)
			}
		}
	default:
		return fmt.Errorf("unknown order type %d: %w", req.Type, exchange.ErrInvalidQuantity)
	}
	return nil
}

func clone(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
