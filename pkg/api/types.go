package api

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/onbook/onbook/pkg/exchange"
	"github.com/onbook/onbook/pkg/exchange/registry"
)

// REST and WebSocket payload types. Amounts cross the wire as decimal
// strings in human units; the handlers convert to and from base units
// using the registered token decimals.

// MarketInfo describes one trading pair.
type MarketInfo struct {
	Symbol        string `json:"symbol"`
	BaseSymbol    string `json:"baseSymbol"`
	BaseAddress   string `json:"baseAddress"`
	BaseDecimals  uint8  `json:"baseDecimals"`
	QuoteSymbol   string `json:"quoteSymbol"`
	QuoteAddress  string `json:"quoteAddress"`
	QuoteDecimals uint8  `json:"quoteDecimals"`
	MakerFeeBps   int64  `json:"makerFeeBps"`
	TakerFeeBps   int64  `json:"takerFeeBps"`
	CreatedAt     int64  `json:"createdAt"`
}

// PriceLevel is one aggregated level of book depth.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Orders   int    `json:"orders"`
}

// OrderbookSnapshot is the aggregated book for one pair, best-first.
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// TradeInfo is one executed settlement.
type TradeInfo struct {
	ID           string `json:"id"`
	Symbol       string `json:"symbol"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	QuoteValue   string `json:"quoteValue"`
	TakerSide    string `json:"takerSide"`
	TakerOrderID uint64 `json:"takerOrderId"`
	MakerOrderID uint64 `json:"makerOrderId"`
	MakerFee     string `json:"makerFee"`
	TakerFee     string `json:"takerFee"`
	Timestamp    int64  `json:"timestamp"`
}

// OrderInfo is the externally visible record of an order.
type OrderInfo struct {
	ID          uint64 `json:"id"`
	Trader      string `json:"trader"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price,omitempty"`
	Quantity    string `json:"quantity,omitempty"`
	QuoteBudget string `json:"quoteBudget,omitempty"`
	Filled      string `json:"filled"`
	SpentQuote  string `json:"spentQuote"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// BalanceInfo is one holder's balance in one token.
type BalanceInfo struct {
	Token   string `json:"token"`
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// PlaceOrderRequest is the payload for POST /api/v1/orders.
type PlaceOrderRequest struct {
	Trader      string `json:"trader"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"` // "buy" | "sell"
	Type        string `json:"type"` // "limit" | "market" | "ioc" | "fok"
	Price       string `json:"price,omitempty"`
	Quantity    string `json:"quantity,omitempty"`
	QuoteBudget string `json:"quoteBudget,omitempty"`
}

// PlaceOrderResponse reports a committed submission.
type PlaceOrderResponse struct {
	Order  OrderInfo   `json:"order"`
	Trades []TradeInfo `json:"trades,omitempty"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel.
type CancelOrderRequest struct {
	OrderID uint64 `json:"orderId"`
	Caller  string `json:"caller"`
}

// RegisterPairRequest is the admin payload for POST /api/v1/admin/pairs.
type RegisterPairRequest struct {
	Caller        string `json:"caller"`
	Symbol        string `json:"symbol"`
	BaseSymbol    string `json:"baseSymbol"`
	BaseAddress   string `json:"baseAddress"`
	BaseDecimals  uint8  `json:"baseDecimals"`
	QuoteSymbol   string `json:"quoteSymbol"`
	QuoteAddress  string `json:"quoteAddress"`
	QuoteDecimals uint8  `json:"quoteDecimals"`
}

// SetFeesRequest is the admin payload for POST /api/v1/admin/fees.
type SetFeesRequest struct {
	Caller      string `json:"caller"`
	MakerFeeBps int64  `json:"makerFeeBps"`
	TakerFeeBps int64  `json:"takerFeeBps"`
	Recipient   string `json:"recipient"`
}

// MintRequest is the admin payload for POST /api/v1/admin/mint. Amount is a
// decimal string in human units of the token.
type MintRequest struct {
	Caller string `json:"caller"`
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// ApproveRequest is the payload for POST /api/v1/approvals.
type ApproveRequest struct {
	Owner   string `json:"owner"`
	Token   string `json:"token"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is sent by a client to manage channel subscriptions,
// e.g. {"op":"subscribe","channels":["trades:WETH-USDC","book:WETH-USDC"]}.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// WSMessage wraps every server-to-client broadcast.
type WSMessage struct {
	Channel string      `json:"channel"`
	Type    string      `json:"type"`
	Data    interface{} `json:"data"`
}

// formatAmount renders a base-unit amount as a decimal string in human
// units.
func formatAmount(x *big.Int, decimals uint8) string {
	if x == nil {
		return ""
	}
	return decimal.NewFromBigInt(x, -int32(decimals)).String()
}

// parseAmount converts a human-unit decimal string to base units. Fractions
// finer than the token's decimals are rejected rather than truncated.
func parseAmount(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", s, decimals)
	}
	return shifted.BigInt(), nil
}

func marketInfo(p registry.Pair, fees registry.FeeSchedule) MarketInfo {
	return MarketInfo{
		Symbol:        p.Symbol,
		BaseSymbol:    p.Base.Symbol,
		BaseAddress:   p.Base.Address.Hex(),
		BaseDecimals:  p.Base.Decimals,
		QuoteSymbol:   p.Quote.Symbol,
		QuoteAddress:  p.Quote.Address.Hex(),
		QuoteDecimals: p.Quote.Decimals,
		MakerFeeBps:   fees.MakerBps,
		TakerFeeBps:   fees.TakerBps,
		CreatedAt:     p.CreatedAt,
	}
}

func orderInfo(o *exchange.Order, p registry.Pair) OrderInfo {
	info := OrderInfo{
		ID:         o.ID,
		Trader:     o.Trader.Hex(),
		Symbol:     o.Pair,
		Side:       o.Side.String(),
		Type:       o.Type.String(),
		Filled:     formatAmount(o.Filled, p.Base.Decimals),
		SpentQuote: formatAmount(o.SpentQuote, p.Quote.Decimals),
		Status:     o.Status.String(),
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
	if o.Price != nil {
		info.Price = formatAmount(o.Price, p.Quote.Decimals)
	}
	if o.Quantity != nil {
		info.Quantity = formatAmount(o.Quantity, p.Base.Decimals)
	}
	if o.QuoteBudget != nil {
		info.QuoteBudget = formatAmount(o.QuoteBudget, p.Quote.Decimals)
	}
	return info
}

func tradeInfo(s *exchange.Settlement, p registry.Pair) TradeInfo {
	return TradeInfo{
		ID:           s.ID,
		Symbol:       s.Pair,
		Price:        formatAmount(s.Price, p.Quote.Decimals),
		Quantity:     formatAmount(s.Quantity, p.Base.Decimals),
		QuoteValue:   formatAmount(s.QuoteValue, p.Quote.Decimals),
		TakerSide:    s.TakerSide.String(),
		TakerOrderID: s.TakerOrderID,
		MakerOrderID: s.MakerOrderID,
		MakerFee:     formatAmount(s.MakerFee, p.Quote.Decimals),
		TakerFee:     formatAmount(s.TakerFee, p.Quote.Decimals),
		Timestamp:    s.Timestamp,
	}
}
