package engine

import (
	"fmt"
	"math/big"

	"github.com/onbook/onbook/pkg/exchange"
	"github.com/onbook/onbook/pkg/exchange/book"
	"github.com/onbook/onbook/pkg/exchange/registry"
	"github.com/onbook/onbook/pkg/exchange/settle"
)

// fill pairs one resting entry with the quantity the taker consumes from it.
type fill struct {
	entry *book.Entry
	qty   *big.Int
}

// plan is the read-only result of one crossing walk. The book is never
// touched while a plan is built, which makes fill-or-kill simulation and
// whole-submission rollback free: an abandoned plan simply isn't applied.
type plan struct {
	fills      []fill
	filledBase *big.Int
	spentQuote *big.Int

	// satisfied means the taker got everything it asked for (full base
	// quantity, or a quote budget spent down to nothing affordable).
	satisfied bool

	matches int
}

// cross walks the opposite side best-price-first and builds the match plan
// for an incoming order.
//
// Within a level the head of the FIFO queue is consumed first. A resting
// order owned by the incoming trader is skipped and left untouched; the
// walk moves on to the next queue entry, which can leave the taker less
// filled than aggregate liquidity would allow. Execution price is always
// the maker's resting price.
func (e *Engine) cross(b *book.Book, pair registry.Pair, o *exchange.Order) (*plan, error) {
	pl := &plan{filledBase: new(big.Int), spentQuote: new(big.Int)}

	opp := book.Ask
	if o.Side == exchange.Sell {
		opp = book.Bid
	}

	var exhausted bool
	b.Walk(opp, func(lvl *book.Level) bool {
		if o.Price != nil && !crosses(o.Side, o.Price, lvl.Price) {
			return false // level no longer crossable; neither is anything behind it
		}

		for _, entry := range lvl.Queue {
			if entry.Trader == o.Trader {
				continue // self-trade prevention
			}

			var want *big.Int
			if o.QuoteDenominated() {
				budgetLeft := new(big.Int).Sub(o.QuoteBudget, pl.spentQuote)
				want = settle.MaxAffordable(budgetLeft, lvl.Price, pair.Base.Decimals)
				if want.Sign() == 0 {
					// Budget spent down to dust. A budget that affords
					// nothing before the first fill bought nothing and is
					// not satisfied.
					pl.satisfied = pl.filledBase.Sign() > 0
					return false
				}
			} else {
				want = new(big.Int).Sub(o.Quantity, pl.filledBase)
				if want.Sign() == 0 {
					pl.satisfied = true
					return false
				}
			}

			q := minInt(want, entry.Remaining)
			if q.Sign() == 0 {
				continue
			}

			pl.matches++
			if e.maxMatches > 0 && pl.matches > e.maxMatches {
				exhausted = true
				return false
			}

			pl.fills = append(pl.fills, fill{entry: entry, qty: q})
			pl.filledBase.Add(pl.filledBase, q)
			pl.spentQuote.Add(pl.spentQuote,
				settle.QuoteCost(q, lvl.Price, pair.Base.Decimals))
		}
		return true
	})

	if exhausted {
		return nil, fmt.Errorf("order would cross more than %d resting orders: %w",
			e.maxMatches, exchange.ErrResourceExhausted)
	}

	// The walk can end exactly at the target without revisiting the
	// satisfaction check above.
	if o.Quantity != nil && pl.filledBase.Cmp(o.Quantity) == 0 {
		pl.satisfied = true
	}
	if o.QuoteDenominated() && pl.spentQuote.Cmp(o.QuoteBudget) >= 0 {
		pl.satisfied = true
	}
	return pl, nil
}

// crosses reports whether a limit price admits the given opposite level.
func crosses(side exchange.Side, limit, levelPrice *big.Int) bool {
	if side == exchange.Buy {
		return levelPrice.Cmp(limit) <= 0
	}
	return levelPrice.Cmp(limit) >= 0
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
