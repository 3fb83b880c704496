// Package registry tracks the supported trading pairs with their token
// decimal metadata, and the exchange-wide fee schedule. Mutations are gated
// on the admin capability; reads are hot-path and lock cheaply.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/onbook/onbook/pkg/exchange"
)

// Token describes one side of a pair.
type Token struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// Pair is a registered base/quote market, e.g. WETH-USDC.
type Pair struct {
	Symbol    string `json:"symbol"`
	Base      Token  `json:"base"`
	Quote     Token  `json:"quote"`
	CreatedAt int64  `json:"createdAt"`
}

// FeeSchedule holds the live maker/taker rates in basis points and the
// account fees accrue to. Read on every settlement, never cached per order,
// so a rate change applies to all subsequent matches immediately.
type FeeSchedule struct {
	MakerBps  int64          `json:"makerBps"`
	TakerBps  int64          `json:"takerBps"`
	Recipient common.Address `json:"recipient"`
}

// Registry is the pair and fee configuration store.
type Registry struct {
	mu    sync.RWMutex
	admin common.Address
	pairs map[string]Pair
	fees  FeeSchedule
}

func New(admin common.Address, fees FeeSchedule) *Registry {
	return &Registry{
		admin: admin,
		pairs: make(map[string]Pair),
		fees:  fees,
	}
}

// RegisterPair adds a market. Admin only.
func (r *Registry) RegisterPair(caller common.Address, p Pair) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	if p.Symbol == "" {
		return fmt.Errorf("pair symbol cannot be empty")
	}
	if p.Base.Address == p.Quote.Address {
		return fmt.Errorf("pair %s: base and quote must differ", p.Symbol)
	}
	if p.Base.Decimals > 36 || p.Quote.Decimals > 36 {
		return fmt.Errorf("pair %s: unreasonable token decimals", p.Symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pairs[p.Symbol]; exists {
		return fmt.Errorf("pair %s already registered", p.Symbol)
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}
	r.pairs[p.Symbol] = p
	return nil
}

// Pair returns a registered pair by symbol.
func (r *Registry) Pair(symbol string) (Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[symbol]
	return p, ok
}

// IsSupported reports whether a pair symbol is tradable.
func (r *Registry) IsSupported(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pairs[symbol]
	return ok
}

// DecimalsOf returns the decimal precision of a registered token.
func (r *Registry) DecimalsOf(token common.Address) (uint8, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pairs {
		if p.Base.Address == token {
			return p.Base.Decimals, true
		}
		if p.Quote.Address == token {
			return p.Quote.Decimals, true
		}
	}
	return 0, false
}

// List returns all registered pairs.
func (r *Registry) List() []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// Fees returns the current fee schedule.
func (r *Registry) Fees() FeeSchedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fees
}

// SetFees replaces the fee schedule. Admin only. Rates are bounded to
// [0, 10000) bps; a negative or >100% rate is a configuration error.
func (r *Registry) SetFees(caller common.Address, fees FeeSchedule) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	if fees.MakerBps < 0 || fees.MakerBps >= 10000 {
		return fmt.Errorf("maker fee %d bps out of range", fees.MakerBps)
	}
	if fees.TakerBps < 0 || fees.TakerBps >= 10000 {
		return fmt.Errorf("taker fee %d bps out of range", fees.TakerBps)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fees = fees
	return nil
}

// Admin returns the capability holder.
func (r *Registry) Admin() common.Address {
	return r.admin
}

func (r *Registry) authorize(caller common.Address) error {
	if caller != r.admin {
		return fmt.Errorf("caller %s is not admin: %w", caller.Hex(), exchange.ErrUnauthorized)
	}
	return nil
}
