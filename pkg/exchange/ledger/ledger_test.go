package ledger

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/onbook/onbook/pkg/exchange"
)

var (
	tokenA   = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	tokenB   = common.HexToAddress("0x00000000000000000000000000000000000000B2")
	alice    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob      = common.HexToAddress("0x2000000000000000000000000000000000000002")
	operator = common.HexToAddress("0x9000000000000000000000000000000000000009")
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l
}

func TestMintAndBalance(t *testing.T) {
	l := newTestLedger(t)

	if bal := l.BalanceOf(tokenA, alice); bal.Sign() != 0 {
		t.Fatalf("fresh balance = %v, want 0", bal)
	}
	if err := l.Mint(tokenA, alice, bi(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Mint(tokenA, alice, bi(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if bal := l.BalanceOf(tokenA, alice); bal.Cmp(bi(150)) != 0 {
		t.Fatalf("balance = %v, want 150", bal)
	}

	if err := l.Mint(tokenA, alice, bi(0)); !errors.Is(err, exchange.ErrInvalidQuantity) {
		t.Fatalf("zero mint = %v, want ErrInvalidQuantity", err)
	}

	// Returned balances are copies.
	l.BalanceOf(tokenA, alice).SetInt64(0)
	if bal := l.BalanceOf(tokenA, alice); bal.Cmp(bi(150)) != 0 {
		t.Fatal("BalanceOf leaked a live reference")
	}
}

func TestTransfer(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(tokenA, alice, bi(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := l.Transfer(tokenA, alice, bob, bi(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if bal := l.BalanceOf(tokenA, alice); bal.Cmp(bi(60)) != 0 {
		t.Fatalf("alice = %v, want 60", bal)
	}
	if bal := l.BalanceOf(tokenA, bob); bal.Cmp(bi(40)) != 0 {
		t.Fatalf("bob = %v, want 40", bal)
	}

	if err := l.Transfer(tokenA, alice, bob, bi(61)); !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("overdraft = %v, want ErrInsufficientFunds", err)
	}
}

func TestApproveAndAllowanceSpend(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(tokenA, alice, bi(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(tokenA, alice, operator, bi(30)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Operator moving more than approved fails.
	err := l.ApplyBatch(operator, []Transfer{{Token: tokenA, From: alice, To: bob, Amount: bi(31)}})
	if !errors.Is(err, exchange.ErrInsufficientAllowance) {
		t.Fatalf("over-allowance = %v, want ErrInsufficientAllowance", err)
	}

	// Spending within the allowance decrements it.
	if err := l.ApplyBatch(operator, []Transfer{{Token: tokenA, From: alice, To: bob, Amount: bi(20)}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if a := l.AllowanceOf(tokenA, alice, operator); a.Cmp(bi(10)) != 0 {
		t.Fatalf("allowance = %v, want 10", a)
	}

	// Approve overwrites rather than adds.
	if err := l.Approve(tokenA, alice, operator, bi(500)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a := l.AllowanceOf(tokenA, alice, operator); a.Cmp(bi(500)) != 0 {
		t.Fatalf("allowance = %v, want 500", a)
	}
}

func TestApplyBatchAtomicity(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(tokenA, alice, bi(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Mint(tokenB, bob, bi(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(tokenA, alice, operator, bi(1000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.Approve(tokenB, bob, operator, bi(1000)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Second leg overdraws bob; the first leg must roll back with it.
	err := l.ApplyBatch(operator, []Transfer{
		{Token: tokenA, From: alice, To: bob, Amount: bi(50)},
		{Token: tokenB, From: bob, To: alice, Amount: bi(6)},
	})
	if !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("batch = %v, want ErrInsufficientFunds", err)
	}
	if bal := l.BalanceOf(tokenA, alice); bal.Cmp(bi(100)) != 0 {
		t.Fatalf("alice tokenA = %v, want untouched 100", bal)
	}
	if bal := l.BalanceOf(tokenA, bob); bal.Sign() != 0 {
		t.Fatalf("bob tokenA = %v, want untouched 0", bal)
	}
	if a := l.AllowanceOf(tokenA, alice, operator); a.Cmp(bi(1000)) != 0 {
		t.Fatalf("allowance = %v, want untouched 1000", a)
	}
}

func TestApplyBatchChainsWithinBatch(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(tokenA, alice, bi(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(tokenA, alice, operator, bi(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.Approve(tokenA, bob, operator, bi(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Bob starts at zero; the second leg only clears because the first leg
	// in the same batch funds him.
	err := l.ApplyBatch(operator, []Transfer{
		{Token: tokenA, From: alice, To: bob, Amount: bi(10)},
		{Token: tokenA, From: bob, To: alice, Amount: bi(4)},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if bal := l.BalanceOf(tokenA, alice); bal.Cmp(bi(4)) != 0 {
		t.Fatalf("alice = %v, want 4", bal)
	}
	if bal := l.BalanceOf(tokenA, bob); bal.Cmp(bi(6)) != 0 {
		t.Fatalf("bob = %v, want 6", bal)
	}
}

func TestApplyBatchSelfSpendNeedsNoAllowance(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(tokenA, alice, bi(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// From == spender bypasses the allowance check entirely.
	if err := l.ApplyBatch(alice, []Transfer{{Token: tokenA, From: alice, To: bob, Amount: bi(10)}}); err != nil {
		t.Fatalf("self spend: %v", err)
	}
}

func TestApplyBatchRejectsNegative(t *testing.T) {
	l := newTestLedger(t)
	err := l.ApplyBatch(operator, []Transfer{{Token: tokenA, From: alice, To: bob, Amount: bi(-1)}})
	if !errors.Is(err, exchange.ErrInvalidQuantity) {
		t.Fatalf("negative amount = %v, want ErrInvalidQuantity", err)
	}
}
