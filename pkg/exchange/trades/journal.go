// Package trades persists the settlement audit trail and serves recent
// trade history per pair.
package trades

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/onbook/onbook/pkg/exchange"
)

// recentCap bounds the per-pair in-memory history window.
const recentCap = 1000

// Journal appends committed settlements to pebble and keeps a bounded
// recent window in memory for the API.
type Journal struct {
	mu     sync.RWMutex
	db     *pebble.DB
	seq    uint64
	recent map[string][]*exchange.Settlement
}

// Open builds a journal over an optional pebble database, reloading the
// recent window from disk. A nil db keeps history in memory only.
func Open(db *pebble.DB) (*Journal, error) {
	j := &Journal{db: db, recent: make(map[string][]*exchange.Settlement)}
	if db == nil {
		return j, nil
	}

	prefix := []byte("t:")
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: []byte("t;"),
	})
	if err != nil {
		return nil, fmt.Errorf("trade journal iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var s exchange.Settlement
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			return nil, fmt.Errorf("decode trade %x: %w", iter.Key(), err)
		}
		j.remember(&s)
		if seq := binary.BigEndian.Uint64(iter.Key()[2:]); seq >= j.seq {
			j.seq = seq + 1
		}
	}
	return j, nil
}

// Append records a batch of settlements from one committed submission.
func (j *Journal) Append(settlements []*exchange.Settlement) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db != nil {
		batch := j.db.NewBatch()
		for _, s := range settlements {
			data, err := json.Marshal(s)
			if err != nil {
				batch.Close()
				return fmt.Errorf("encode trade %s: %w", s.ID, err)
			}
			if err := batch.Set(tradeKey(j.seq), data, nil); err != nil {
				batch.Close()
				return fmt.Errorf("journal trade %s: %w", s.ID, err)
			}
			j.seq++
		}
		// History is an audit trail, not settlement truth; NoSync keeps it
		// off the placement latency path.
		if err := batch.Commit(pebble.NoSync); err != nil {
			return fmt.Errorf("commit trade journal: %w", err)
		}
	} else {
		j.seq += uint64(len(settlements))
	}

	for _, s := range settlements {
		j.remember(s)
	}
	return nil
}

// Recent returns up to limit trades for a pair, newest first.
func (j *Journal) Recent(pair string, limit int) []*exchange.Settlement {
	j.mu.RLock()
	defer j.mu.RUnlock()

	hist := j.recent[pair]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]*exchange.Settlement, 0, limit)
	for i := len(hist) - 1; i >= len(hist)-limit; i-- {
		out = append(out, hist[i])
	}
	return out
}

func (j *Journal) remember(s *exchange.Settlement) {
	hist := append(j.recent[s.Pair], s)
	if len(hist) > recentCap {
		hist = hist[len(hist)-recentCap:]
	}
	j.recent[s.Pair] = hist
}

// keys: t:<8-byte-big-endian-seq>
func tradeKey(seq uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "t:")
	binary.BigEndian.PutUint64(key[2:], seq)
	return key
}
