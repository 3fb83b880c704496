// Package ledger implements token custody for the exchange: per-holder
// balances, ERC-20-style allowances, and atomic all-or-nothing batch
// transfers backing trade settlement.
package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/onbook/onbook/pkg/exchange"
)

// Transfer moves Amount of Token from From to To.
type Transfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Ledger tracks balances and allowances in memory with an optional pebble
// journal. A settlement batch commits durably through a single pebble batch,
// so the on-disk view never shows a half-applied settlement.
type Ledger struct {
	mu         sync.RWMutex
	db         *pebble.DB
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

type balanceKey struct {
	token  common.Address
	holder common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Open builds a ledger over an optional pebble database, reloading persisted
// balances and allowances. A nil db gives a memory-only ledger.
func Open(db *pebble.DB) (*Ledger, error) {
	l := &Ledger{
		db:         db,
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
	if db == nil {
		return l, nil
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// BalanceOf returns the holder's balance of a token. Missing entries are
// zero.
func (l *Ledger) BalanceOf(token, holder common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[balanceKey{token, holder}]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// AllowanceOf returns how much of owner's token the spender may move.
func (l *Ledger) AllowanceOf(token, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Mint credits newly issued tokens to an account. Callers gate this behind
// the admin capability.
func (l *Ledger) Mint(token, to common.Address, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("mint amount %s: %w", amount, exchange.ErrInvalidQuantity)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bk := balanceKey{token, to}
	next := new(big.Int).Add(l.getBalance(bk), amount)
	if err := l.persistBalance(bk, next); err != nil {
		return err
	}
	l.balances[bk] = next
	return nil
}

// Approve sets (not adds to) the spender's allowance over owner's token.
func (l *Ledger) Approve(token, owner, spender common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("approve amount %s: %w", amount, exchange.ErrInvalidQuantity)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ak := allowanceKey{token, owner, spender}
	if err := l.persistAllowance(ak, amount); err != nil {
		return err
	}
	l.allowances[ak] = new(big.Int).Set(amount)
	return nil
}

// Transfer moves tokens directly on the owner's own authority.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	return l.ApplyBatch(from, []Transfer{{Token: token, From: from, To: to, Amount: amount}})
}

// ApplyBatch applies all transfers or none. Every debit is checked against
// the sender's balance as adjusted by earlier transfers in the same batch;
// transfers not initiated by the owner additionally spend the spender's
// allowance. On any failure the ledger is untouched, including transfers
// earlier in the batch that had individually succeeded.
func (l *Ledger) ApplyBatch(spender common.Address, transfers []Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Stage against copies; nothing canonical moves until every transfer
	// has cleared.
	stagedBal := make(map[balanceKey]*big.Int)
	stagedAllow := make(map[allowanceKey]*big.Int)

	balOf := func(k balanceKey) *big.Int {
		if b, ok := stagedBal[k]; ok {
			return b
		}
		b := new(big.Int).Set(l.getBalance(k))
		stagedBal[k] = b
		return b
	}
	allowOf := func(k allowanceKey) *big.Int {
		if a, ok := stagedAllow[k]; ok {
			return a
		}
		a := new(big.Int).Set(l.getAllowance(k))
		stagedAllow[k] = a
		return a
	}

	for _, t := range transfers {
		if t.Amount.Sign() < 0 {
			return fmt.Errorf("negative transfer amount %s: %w", t.Amount, exchange.ErrInvalidQuantity)
		}
		if t.Amount.Sign() == 0 {
			continue
		}

		from := balOf(balanceKey{t.Token, t.From})
		if from.Cmp(t.Amount) < 0 {
			return fmt.Errorf("token %s holder %s has %s, needs %s: %w",
				t.Token.Hex(), t.From.Hex(), from, t.Amount, exchange.ErrInsufficientFunds)
		}
		if t.From != spender {
			allow := allowOf(allowanceKey{t.Token, t.From, spender})
			if allow.Cmp(t.Amount) < 0 {
				return fmt.Errorf("token %s owner %s allowance %s, needs %s: %w",
					t.Token.Hex(), t.From.Hex(), allow, t.Amount, exchange.ErrInsufficientAllowance)
			}
			allow.Sub(allow, t.Amount)
		}
		from.Sub(from, t.Amount)
		balOf(balanceKey{t.Token, t.To}).Add(balOf(balanceKey{t.Token, t.To}), t.Amount)
	}

	// Durable commit first, then memory. One pebble batch keeps the disk
	// view atomic with respect to the settlement.
	if l.db != nil {
		batch := l.db.NewBatch()
		for k, v := range stagedBal {
			if err := batch.Set(keyBalance(k.token, k.holder), v.Bytes(), nil); err != nil {
				batch.Close()
				return fmt.Errorf("stage balance write: %w", err)
			}
		}
		for k, v := range stagedAllow {
			if err := batch.Set(keyAllowance(k.token, k.owner, k.spender), v.Bytes(), nil); err != nil {
				batch.Close()
				return fmt.Errorf("stage allowance write: %w", err)
			}
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("commit ledger batch: %w", err)
		}
	}

	for k, v := range stagedBal {
		l.balances[k] = v
	}
	for k, v := range stagedAllow {
		l.allowances[k] = v
	}
	return nil
}

func (l *Ledger) getBalance(k balanceKey) *big.Int {
	if b, ok := l.balances[k]; ok {
		return b
	}
	return new(big.Int)
}

func (l *Ledger) getAllowance(k allowanceKey) *big.Int {
	if a, ok := l.allowances[k]; ok {
		return a
	}
	return new(big.Int)
}

func (l *Ledger) persistBalance(k balanceKey, v *big.Int) error {
	if l.db == nil {
		return nil
	}
	if err := l.db.Set(keyBalance(k.token, k.holder), v.Bytes(), pebble.Sync); err != nil {
		return fmt.Errorf("persist balance: %w", err)
	}
	return nil
}

func (l *Ledger) persistAllowance(k allowanceKey, v *big.Int) error {
	if l.db == nil {
		return nil
	}
	if err := l.db.Set(keyAllowance(k.token, k.owner, k.spender), v.Bytes(), pebble.Sync); err != nil {
		return fmt.Errorf("persist allowance: %w", err)
	}
	return nil
}
