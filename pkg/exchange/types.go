// Package exchange defines the shared domain types for the order book
// exchange: orders, settlements, and the error taxonomy surfaced to callers.
package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Side is the direction of an order.
type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide converts a wire string to a Side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy":
		return Buy, true
	case "sell":
		return Sell, true
	default:
		return 0, false
	}
}

// OrderType selects the matching behavior of a submission.
type OrderType int8

const (
	Limit OrderType = iota
	Market
	IOC // immediate-or-cancel: match now, never rest
	FOK // fill-or-kill: full fill now or zero effect
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	case IOC:
		return "ioc"
	case FOK:
		return "fok"
	default:
		return "unknown"
	}
}

// ParseOrderType converts a wire string to an OrderType.
func ParseOrderType(s string) (OrderType, bool) {
	switch s {
	case "limit":
		return Limit, true
	case "market":
		return Market, true
	case "ioc":
		return IOC, true
	case "fok":
		return FOK, true
	default:
		return 0, false
	}
}

// OrderStatus is the lifecycle state of an order.
//
// Open → {PartiallyFilled, Filled, Canceled}
// PartiallyFilled → {PartiallyFilled, Filled, Canceled}
// Filled and Canceled are terminal.
type OrderStatus int8

const (
	Open OrderStatus = iota
	PartiallyFilled
	Filled
	Canceled
)

func (s OrderStatus) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == Filled || s == Canceled
}

// Order is the canonical record of a submission.
//
// All amounts are integers in token base units. Price is denominated in
// quote base units per whole base token, so for an execution of quantity q
// at price p the quote leg is q × p / 10^baseDecimals.
type Order struct {
	ID     uint64         `json:"id"`
	Trader common.Address `json:"trader"`
	Pair   string         `json:"pair"`
	Side   Side           `json:"side"`
	Type   OrderType      `json:"type"`

	// Price is the limit price. Nil for market orders (which cross at
	// whatever the book offers).
	Price *big.Int `json:"price"`

	// Quantity is the requested base quantity. Nil for quote-denominated
	// market buys, which carry QuoteBudget instead.
	Quantity    *big.Int `json:"quantity"`
	QuoteBudget *big.Int `json:"quoteBudget,omitempty"`

	// Filled is the cumulative base quantity executed. Never decreases.
	Filled *big.Int `json:"filled"`
	// SpentQuote is the cumulative quote cost of executions. For
	// quote-budget orders it enforces the budget ceiling.
	SpentQuote *big.Int `json:"spentQuote"`

	Status OrderStatus `json:"status"`

	// Seq is the book insertion sequence used for FIFO tie-break.
	Seq uint64 `json:"seq"`

	CreatedAt int64 `json:"createdAt"` // unix milliseconds
	UpdatedAt int64 `json:"updatedAt"`
}

// QuoteDenominated reports whether the order's size is a quote budget
// rather than a base quantity (market buys only).
func (o *Order) QuoteDenominated() bool {
	return o.QuoteBudget != nil
}

// Remaining returns the unfilled base quantity. Zero for quote-denominated
// orders, whose headroom is budget-based.
func (o *Order) Remaining() *big.Int {
	if o.Quantity == nil {
		return new(big.Int)
	}
	return new(big.Int).Sub(o.Quantity, o.Filled)
}

// RemainingBudget returns the unspent quote budget.
func (o *Order) RemainingBudget() *big.Int {
	if o.QuoteBudget == nil {
		return new(big.Int)
	}
	return new(big.Int).Sub(o.QuoteBudget, o.SpentQuote)
}

// Clone returns a deep copy; big.Int fields are never shared.
func (o *Order) Clone() *Order {
	c := *o
	c.Price = copyInt(o.Price)
	c.Quantity = copyInt(o.Quantity)
	c.QuoteBudget = copyInt(o.QuoteBudget)
	c.Filled = copyInt(o.Filled)
	c.SpentQuote = copyInt(o.SpentQuote)
	return &c
}

func copyInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// Settlement records one matched execution between a taker and a resting
// maker. Produced during a matching pass; persisted only as an audit trade
// after the pass commits.
type Settlement struct {
	ID           string         `json:"id"`
	Pair         string         `json:"pair"`
	TakerOrderID uint64         `json:"takerOrderId"`
	MakerOrderID uint64         `json:"makerOrderId"`
	Taker        common.Address `json:"taker"`
	Maker        common.Address `json:"maker"`
	TakerSide    Side           `json:"takerSide"`

	// Price is always the maker's resting price: price improvement accrues
	// to the taker, never the maker.
	Price    *big.Int `json:"price"`
	Quantity *big.Int `json:"quantity"`

	// Filled in by the settlement processor.
	QuoteValue *big.Int `json:"quoteValue"`
	MakerFee   *big.Int `json:"makerFee"`
	TakerFee   *big.Int `json:"takerFee"`
	Processed  bool     `json:"processed"`

	Timestamp int64 `json:"timestamp"`
}

// Buyer returns the address receiving the base asset.
func (s *Settlement) Buyer() common.Address {
	if s.TakerSide == Buy {
		return s.Taker
	}
	return s.Maker
}

// Seller returns the address delivering the base asset.
func (s *Settlement) Seller() common.Address {
	if s.TakerSide == Buy {
		return s.Maker
	}
	return s.Taker
}
