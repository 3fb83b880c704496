package ledger

import (
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Key layout:
//   bal:<token20><holder20>            → balance big-endian bytes
//   alw:<token20><owner20><spender20>  → allowance big-endian bytes

func keyBalance(token, holder common.Address) []byte {
	key := make([]byte, 0, 4+20+20)
	key = append(key, "bal:"...)
	key = append(key, token.Bytes()...)
	key = append(key, holder.Bytes()...)
	return key
}

func keyAllowance(token, owner, spender common.Address) []byte {
	key := make([]byte, 0, 4+20+20+20)
	key = append(key, "alw:"...)
	key = append(key, token.Bytes()...)
	key = append(key, owner.Bytes()...)
	key = append(key, spender.Bytes()...)
	return key
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// load rebuilds the in-memory maps from the journal on startup.
func (l *Ledger) load() error {
	balPrefix := []byte("bal:")
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: balPrefix,
		UpperBound: keyUpperBound(balPrefix),
	})
	if err != nil {
		return fmt.Errorf("balance iterator: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 4+20+20 {
			iter.Close()
			return fmt.Errorf("malformed balance key %x", key)
		}
		k := balanceKey{
			token:  common.BytesToAddress(key[4:24]),
			holder: common.BytesToAddress(key[24:44]),
		}
		l.balances[k] = new(big.Int).SetBytes(iter.Value())
	}
	if err := iter.Close(); err != nil {
		return err
	}

	alwPrefix := []byte("alw:")
	iter, err = l.db.NewIter(&pebble.IterOptions{
		LowerBound: alwPrefix,
		UpperBound: keyUpperBound(alwPrefix),
	})
	if err != nil {
		return fmt.Errorf("allowance iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 4+20+20+20 {
			return fmt.Errorf("malformed allowance key %x", key)
		}
		k := allowanceKey{
			token:   common.BytesToAddress(key[4:24]),
			owner:   common.BytesToAddress(key[24:44]),
			spender: common.BytesToAddress(key[44:64]),
		}
		l.allowances[k] = new(big.Int).SetBytes(iter.Value())
	}
	return nil
}
