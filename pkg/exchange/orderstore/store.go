// Package orderstore keeps the canonical record of every order and enforces
// the lifecycle state machine. It is pure data: all mutation flows through
// the matching engine's commit path.
package orderstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/onbook/onbook/pkg/exchange"
)

// ValidTransition reports whether an order may move from one status to
// another. Terminal states never transition; a same-status write is allowed
// for non-terminal orders (fills within PartiallyFilled).
func ValidTransition(from, to exchange.OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case exchange.Open, exchange.PartiallyFilled:
		return to == exchange.PartiallyFilled || to == exchange.Filled || to == exchange.Canceled
	}
	return false
}

// StatusFor derives the status implied by fill progress. Cancellation is the
// only transition not derivable from quantities.
func StatusFor(o *exchange.Order) exchange.OrderStatus {
	if o.Filled.Sign() == 0 {
		return exchange.Open
	}
	if o.Quantity != nil && o.Filled.Cmp(o.Quantity) >= 0 {
		return exchange.Filled
	}
	if o.QuoteBudget != nil && o.SpentQuote.Cmp(o.QuoteBudget) >= 0 {
		return exchange.Filled
	}
	return exchange.PartiallyFilled
}

// Store holds all orders ever created, journaled to pebble when a database
// is supplied. IDs are process-wide unique and monotonically increasing.
type Store struct {
	mu      sync.RWMutex
	db      *pebble.DB
	orders  map[uint64]*exchange.Order
	nextID  uint64
	nextSeq uint64
}

// Open builds a store over an optional pebble database, reloading any
// journaled orders. A nil db gives a memory-only store (tests).
func Open(db *pebble.DB) (*Store, error) {
	s := &Store{
		db:      db,
		orders:  make(map[uint64]*exchange.Order),
		nextID:  1,
		nextSeq: 1,
	}
	if db == nil {
		return s, nil
	}

	prefix := []byte("o:")
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: []byte("o;"), // ';' is ':'+1
	})
	if err != nil {
		return nil, fmt.Errorf("order journal iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var o exchange.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("decode order %x: %w", iter.Key(), err)
		}
		s.orders[o.ID] = &o
		if o.ID >= s.nextID {
			s.nextID = o.ID + 1
		}
		if o.Seq >= s.nextSeq {
			s.nextSeq = o.Seq + 1
		}
	}
	return s, nil
}

// Next allocates an order ID and insertion sequence. Allocated IDs are
// burned if the submission later fails; uniqueness and monotonicity hold
// regardless.
func (s *Store) Next() (id, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, seq = s.nextID, s.nextSeq
	s.nextID++
	s.nextSeq++
	return id, seq
}

// Get returns a copy of an order. Callers never see live engine state.
func (s *Store) Get(id uint64) (*exchange.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, exchange.ErrOrderNotFound)
	}
	return o.Clone(), nil
}

// Check validates that writing the given record would be a legal transition
// for the existing order (or a fresh create). Used by the engine before the
// settlement phase so that commit itself cannot fail on lifecycle grounds.
func (s *Store) Check(o *exchange.Order) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked(o)
}

func (s *Store) checkLocked(o *exchange.Order) error {
	cur, ok := s.orders[o.ID]
	if !ok {
		return nil // fresh create
	}
	if !ValidTransition(cur.Status, o.Status) {
		return fmt.Errorf("order %d: %s → %s: %w",
			o.ID, cur.Status, o.Status, exchange.ErrInvalidTransition)
	}
	if o.Filled.Cmp(cur.Filled) < 0 {
		return fmt.Errorf("order %d: filled quantity decreased: %w",
			o.ID, exchange.ErrInvalidTransition)
	}
	return nil
}

// Commit writes a batch of order records atomically: every record is
// transition-checked first, then memory and the pebble journal are updated
// together. Records are stored as copies.
func (s *Store) Commit(orders ...*exchange.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range orders {
		if err := s.checkLocked(o); err != nil {
			return err
		}
	}

	var batch *pebble.Batch
	if s.db != nil {
		batch = s.db.NewBatch()
		for _, o := range orders {
			data, err := json.Marshal(o)
			if err != nil {
				batch.Close()
				return fmt.Errorf("encode order %d: %w", o.ID, err)
			}
			if err := batch.Set(orderKey(o.ID), data, nil); err != nil {
				batch.Close()
				return fmt.Errorf("journal order %d: %w", o.ID, err)
			}
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("commit order journal: %w", err)
		}
	}

	for _, o := range orders {
		s.orders[o.ID] = o.Clone()
	}
	return nil
}

// Live returns copies of every non-terminal order, ordered by insertion
// sequence. The engine replays these into the books on startup.
func (s *Store) Live() []*exchange.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*exchange.Order
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Count returns the number of orders ever recorded.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// keys: o:<8-byte-big-endian-id>
func orderKey(id uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "o:")
	binary.BigEndian.PutUint64(key[2:], id)
	return key
}
