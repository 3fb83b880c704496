package settle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onbook/onbook/pkg/exchange"
	"github.com/onbook/onbook/pkg/exchange/ledger"
	"github.com/onbook/onbook/pkg/exchange/registry"
)

var (
	admin     = common.HexToAddress("0xAAA0000000000000000000000000000000000001")
	operator  = common.HexToAddress("0x9000000000000000000000000000000000000009")
	recipient = common.HexToAddress("0xFEE0000000000000000000000000000000000fee")
	buyer     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	seller    = common.HexToAddress("0x2000000000000000000000000000000000000002")

	weth = registry.Token{Symbol: "WETH", Address: common.HexToAddress("0x01"), Decimals: 18}
	usdc = registry.Token{Symbol: "USDC", Address: common.HexToAddress("0x02"), Decimals: 6}
	pair = registry.Pair{Symbol: "WETH-USDC", Base: weth, Quote: usdc}
)

// amounts in token base units
func eth(n int64) *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return wei.Mul(wei, big.NewInt(n))
}

func halfEth() *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	return wei.Mul(wei, big.NewInt(5))
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func setup(t *testing.T, makerBps, takerBps int64) (*Processor, *ledger.Ledger, *registry.Registry) {
	t.Helper()
	bank, err := ledger.Open(nil)
	require.NoError(t, err)
	reg := registry.New(admin, registry.FeeSchedule{
		MakerBps: makerBps, TakerBps: takerBps, Recipient: recipient,
	})
	require.NoError(t, reg.RegisterPair(admin, pair))
	return New(bank, reg, operator, zap.NewNop().Sugar()), bank, reg
}

func fund(t *testing.T, bank *ledger.Ledger, who common.Address, token registry.Token, amount *big.Int) {
	t.Helper()
	require.NoError(t, bank.Mint(token.Address, who, amount))
	require.NoError(t, bank.Approve(token.Address, who, operator, amount))
}

func TestApplySingleSettlement(t *testing.T) {
	p, bank, _ := setup(t, 10, 20)

	// Seller posts 0.5 WETH, buyer takes it at 2000 USDC per WETH.
	fund(t, bank, seller, weth, halfEth())
	fund(t, bank, buyer, usdc, usd(1002))

	s := &exchange.Settlement{
		ID:        "t1",
		Pair:      pair.Symbol,
		Taker:     buyer,
		Maker:     seller,
		TakerSide: exchange.Buy,
		Price:     usd(2000),
		Quantity:  halfEth(),
	}
	require.NoError(t, p.Apply(pair, []*exchange.Settlement{s}))

	assert.True(t, s.Processed)
	assert.Equal(t, usd(1000), s.QuoteValue)
	assert.Equal(t, big.NewInt(1_000_000), s.MakerFee) // 10 bps of 1000 USDC
	assert.Equal(t, big.NewInt(2_000_000), s.TakerFee) // 20 bps

	// Base moved seller → buyer.
	assert.Equal(t, halfEth(), bank.BalanceOf(weth.Address, buyer))
	assert.Equal(t, int64(0), bank.BalanceOf(weth.Address, seller).Int64())

	// Quote: buyer paid value + taker fee; seller received value minus maker
	// fee (fee paid out of proceeds).
	assert.Equal(t, usd(0), bank.BalanceOf(usdc.Address, buyer))
	assert.Equal(t, usd(999), bank.BalanceOf(usdc.Address, seller))
	assert.Equal(t, usd(3), bank.BalanceOf(usdc.Address, recipient))
}

func TestApplyZeroFeeSkipsFeeTransfers(t *testing.T) {
	p, bank, _ := setup(t, 0, 0)

	fund(t, bank, seller, weth, eth(1))
	fund(t, bank, buyer, usdc, usd(2000))

	s := &exchange.Settlement{
		ID: "t1", Pair: pair.Symbol,
		Taker: buyer, Maker: seller, TakerSide: exchange.Buy,
		Price: usd(2000), Quantity: eth(1),
	}
	require.NoError(t, p.Apply(pair, []*exchange.Settlement{s}))

	assert.Equal(t, int64(0), s.MakerFee.Int64())
	assert.Equal(t, int64(0), s.TakerFee.Int64())
	assert.Equal(t, int64(0), bank.BalanceOf(usdc.Address, recipient).Int64())
	assert.Equal(t, usd(2000), bank.BalanceOf(usdc.Address, seller))
}

func TestApplySellTakerFeeAssignment(t *testing.T) {
	p, bank, _ := setup(t, 10, 20)

	// Taker is the seller here; the maker (buyer) still pays the maker fee.
	fund(t, bank, seller, weth, eth(1))
	fund(t, bank, buyer, usdc, usd(2004))

	s := &exchange.Settlement{
		ID: "t1", Pair: pair.Symbol,
		Taker: seller, Maker: buyer, TakerSide: exchange.Sell,
		Price: usd(2000), Quantity: eth(1),
	}
	require.NoError(t, p.Apply(pair, []*exchange.Settlement{s}))

	// Maker fee 2 USDC from buyer, taker fee 4 USDC from seller's proceeds.
	assert.Equal(t, usd(6), bank.BalanceOf(usdc.Address, recipient))
	assert.Equal(t, usd(1996), bank.BalanceOf(usdc.Address, seller))
	assert.Equal(t, usd(2), bank.BalanceOf(usdc.Address, buyer))
}

func TestApplyInsufficientFundsRollsBack(t *testing.T) {
	p, bank, _ := setup(t, 10, 20)

	fund(t, bank, seller, weth, eth(1))
	// Buyer can cover the quote value but not the taker fee.
	fund(t, bank, buyer, usdc, usd(2000))

	s := &exchange.Settlement{
		ID: "t1", Pair: pair.Symbol,
		Taker: buyer, Maker: seller, TakerSide: exchange.Buy,
		Price: usd(2000), Quantity: eth(1),
	}
	err := p.Apply(pair, []*exchange.Settlement{s})
	require.Error(t, err)

	assert.False(t, s.Processed)
	assert.Equal(t, eth(1), bank.BalanceOf(weth.Address, seller))
	assert.Equal(t, usd(2000), bank.BalanceOf(usdc.Address, buyer))
	assert.Equal(t, int64(0), bank.BalanceOf(usdc.Address, recipient).Int64())
}

func TestApplyMissingAllowanceRollsBack(t *testing.T) {
	p, bank, _ := setup(t, 0, 0)

	require.NoError(t, bank.Mint(weth.Address, seller, eth(1)))
	// Seller never approved the operator.
	fund(t, bank, buyer, usdc, usd(2000))

	s := &exchange.Settlement{
		ID: "t1", Pair: pair.Symbol,
		Taker: buyer, Maker: seller, TakerSide: exchange.Buy,
		Price: usd(2000), Quantity: eth(1),
	}
	err := p.Apply(pair, []*exchange.Settlement{s})
	require.Error(t, err)
	assert.False(t, s.Processed)
	assert.Equal(t, usd(2000), bank.BalanceOf(usdc.Address, buyer))
}

func TestApplyBatchAllOrNothing(t *testing.T) {
	p, bank, _ := setup(t, 0, 0)

	fund(t, bank, seller, weth, eth(1))
	fund(t, bank, buyer, usdc, usd(2000))

	good := &exchange.Settlement{
		ID: "t1", Pair: pair.Symbol,
		Taker: buyer, Maker: seller, TakerSide: exchange.Buy,
		Price: usd(2000), Quantity: eth(1),
	}
	// Second execution against a seller with nothing to deliver.
	broke := common.HexToAddress("0x3000000000000000000000000000000000000003")
	bad := &exchange.Settlement{
		ID: "t2", Pair: pair.Symbol,
		Taker: buyer, Maker: broke, TakerSide: exchange.Buy,
		Price: usd(2000), Quantity: eth(1),
	}

	err := p.Apply(pair, []*exchange.Settlement{good, bad})
	require.Error(t, err)
	assert.False(t, good.Processed)
	assert.False(t, bad.Processed)
	assert.Equal(t, eth(1), bank.BalanceOf(weth.Address, seller))
	assert.Equal(t, usd(2000), bank.BalanceOf(usdc.Address, buyer))
}

func TestQuoteCostRounding(t *testing.T) {
	// 3 base units at price 1 with 1 base decimal: 3 * 1 / 10 = 0 (floor).
	assert.Equal(t, int64(0), QuoteCost(big.NewInt(3), big.NewInt(1), 1).Int64())
	// Multiply-then-divide keeps precision: 0.5 WETH at 2000 USDC.
	assert.Equal(t, usd(1000), QuoteCost(halfEth(), usd(2000), 18))
}

func TestMaxAffordable(t *testing.T) {
	// 1000 USDC at 2000 USDC per WETH buys exactly 0.5 WETH.
	assert.Equal(t, halfEth(), MaxAffordable(usd(1000), usd(2000), 18))
	// Budget below one base unit's cost buys nothing at low decimals.
	assert.Equal(t, int64(0), MaxAffordable(big.NewInt(0), usd(2000), 18).Int64())
	// Zero or negative price affords nothing.
	assert.Equal(t, int64(0), MaxAffordable(usd(1000), big.NewInt(0), 18).Int64())
}

func TestMixedDecimalsConservation(t *testing.T) {
	// 8-decimal base (WBTC style) against 6-decimal quote.
	wbtc := registry.Token{Symbol: "WBTC", Address: common.HexToAddress("0x03"), Decimals: 8}
	btcPair := registry.Pair{Symbol: "WBTC-USDC", Base: wbtc, Quote: usdc}

	p, bank, reg := setup(t, 10, 20)
	require.NoError(t, reg.RegisterPair(admin, btcPair))

	qty := big.NewInt(25_000_000) // 0.25 WBTC
	price := usd(60_000)

	fund(t, bank, seller, wbtc, qty)
	fund(t, bank, buyer, usdc, usd(16_000))

	s := &exchange.Settlement{
		ID: "t1", Pair: btcPair.Symbol,
		Taker: buyer, Maker: seller, TakerSide: exchange.Buy,
		Price: price, Quantity: qty,
	}
	require.NoError(t, p.Apply(btcPair, []*exchange.Settlement{s}))

	// 0.25 * 60000 = 15000 USDC
	assert.Equal(t, usd(15_000), s.QuoteValue)

	// Quote conservation: the buyer's debit equals the seller's credit plus
	// every fee collected.
	buyerSpent := new(big.Int).Sub(usd(16_000), bank.BalanceOf(usdc.Address, buyer))
	sellerGot := bank.BalanceOf(usdc.Address, seller)
	fees := bank.BalanceOf(usdc.Address, recipient)
	assert.Equal(t, buyerSpent, new(big.Int).Add(sellerGot, fees))
	assert.Equal(t, qty, bank.BalanceOf(wbtc.Address, buyer))
}
