// Package settle turns matched executions into token movements: it prices
// each settlement in quote units, applies the live fee schedule, and hands
// the resulting transfer batch to custody for all-or-nothing application.
package settle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/onbook/onbook/pkg/exchange"
	"github.com/onbook/onbook/pkg/exchange/ledger"
	"github.com/onbook/onbook/pkg/exchange/registry"
)

// Custody is the asset-custody collaborator. The processor only ever calls
// ApplyBatch: settlement is atomic per submission by construction.
type Custody interface {
	BalanceOf(token, holder common.Address) *big.Int
	AllowanceOf(token, owner, spender common.Address) *big.Int
	ApplyBatch(spender common.Address, transfers []ledger.Transfer) error
}

// FeeSource yields the live fee schedule. Read per settlement, never cached.
type FeeSource interface {
	Fees() registry.FeeSchedule
}

// Processor computes fees and applies settlement batches.
type Processor struct {
	custody  Custody
	fees     FeeSource
	operator common.Address // spender of trader allowances
	log      *zap.SugaredLogger
}

func New(custody Custody, fees FeeSource, operator common.Address, log *zap.SugaredLogger) *Processor {
	return &Processor{custody: custody, fees: fees, operator: operator, log: log}
}

// Apply settles a batch produced by one matching pass. It fills in each
// settlement's quote value and fees, then applies every transfer atomically.
// If any counterparty lacks balance or allowance the whole batch fails and
// custody is untouched, including settlements earlier in the batch.
func (p *Processor) Apply(pair registry.Pair, settlements []*exchange.Settlement) error {
	if len(settlements) == 0 {
		return nil
	}

	transfers := make([]ledger.Transfer, 0, len(settlements)*4)
	for _, s := range settlements {
		quoteValue, makerFee, takerFee := p.price(pair, s)
		s.QuoteValue = quoteValue
		s.MakerFee = makerFee
		s.TakerFee = takerFee

		buyer, seller := s.Buyer(), s.Seller()
		recipient := p.fees.Fees().Recipient

		// Base leg: seller → buyer.
		transfers = append(transfers, ledger.Transfer{
			Token: pair.Base.Address, From: seller, To: buyer, Amount: s.Quantity,
		})
		// Quote leg: buyer → seller.
		transfers = append(transfers, ledger.Transfer{
			Token: pair.Quote.Address, From: buyer, To: seller, Amount: quoteValue,
		})
		// Fees, both in quote. The maker bears the maker fee and the taker
		// the taker fee, regardless of which is buyer or seller.
		if makerFee.Sign() > 0 {
			transfers = append(transfers, ledger.Transfer{
				Token: pair.Quote.Address, From: s.Maker, To: recipient, Amount: makerFee,
			})
		}
		if takerFee.Sign() > 0 {
			transfers = append(transfers, ledger.Transfer{
				Token: pair.Quote.Address, From: s.Taker, To: recipient, Amount: takerFee,
			})
		}
	}

	if err := p.custody.ApplyBatch(p.operator, transfers); err != nil {
		return fmt.Errorf("settle %d executions on %s: %w", len(settlements), pair.Symbol, err)
	}

	for _, s := range settlements {
		s.Processed = true
	}
	return nil
}

// price computes the quote value and fees of one settlement.
//
//	quoteValue = qty × price / 10^baseDecimals   (multiply first, then divide)
//	fee        = quoteValue × bps / 10000
func (p *Processor) price(pair registry.Pair, s *exchange.Settlement) (quoteValue, makerFee, takerFee *big.Int) {
	quoteValue = new(big.Int).Mul(s.Quantity, s.Price)
	quoteValue.Quo(quoteValue, pow10(pair.Base.Decimals))

	fees := p.fees.Fees()
	makerFee = feeOf(quoteValue, fees.MakerBps)
	takerFee = feeOf(quoteValue, fees.TakerBps)
	return quoteValue, makerFee, takerFee
}

func feeOf(quoteValue *big.Int, bps int64) *big.Int {
	fee := new(big.Int).Mul(quoteValue, big.NewInt(bps))
	return fee.Quo(fee, big.NewInt(10000))
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// QuoteCost is the quote amount a buyer pays for qty of base at price,
// using the same rounding as settlement. The engine uses it to enforce
// quote budgets during matching.
func QuoteCost(qty, price *big.Int, baseDecimals uint8) *big.Int {
	cost := new(big.Int).Mul(qty, price)
	return cost.Quo(cost, pow10(baseDecimals))
}

// MaxAffordable is the largest base quantity purchasable at price with the
// given quote budget, inverse of QuoteCost's rounding.
func MaxAffordable(budget, price *big.Int, baseDecimals uint8) *big.Int {
	if price.Sign() <= 0 {
		return new(big.Int)
	}
	afford := new(big.Int).Mul(budget, pow10(baseDecimals))
	return afford.Quo(afford, price)
}
