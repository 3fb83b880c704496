package book

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func entry(id uint64, side Side, price, qty int64) *Entry {
	return &Entry{
		OrderID:   id,
		Trader:    addr(byte(id)),
		Side:      side,
		Price:     bi(price),
		Remaining: bi(qty),
		Seq:       id,
	}
}

func TestBestPriceOrdering(t *testing.T) {
	b := New()
	for _, e := range []*Entry{
		entry(1, Bid, 100, 10),
		entry(2, Bid, 105, 10),
		entry(3, Bid, 95, 10),
		entry(4, Ask, 110, 10),
		entry(5, Ask, 108, 10),
		entry(6, Ask, 120, 10),
	} {
		if err := b.Insert(e); err != nil {
			t.Fatalf("insert %d: %v", e.OrderID, err)
		}
	}

	bid, ok := b.BestBid()
	if !ok || bid.Price.Cmp(bi(105)) != 0 {
		t.Fatalf("best bid = %v, want 105", bid.Price)
	}
	ask, ok := b.BestAsk()
	if !ok || ask.Price.Cmp(bi(108)) != 0 {
		t.Fatalf("best ask = %v, want 108", ask.Price)
	}

	// Walk must visit bids high to low, asks low to high.
	var bidPrices []int64
	b.Walk(Bid, func(lvl *Level) bool {
		bidPrices = append(bidPrices, lvl.Price.Int64())
		return true
	})
	want := []int64{105, 100, 95}
	for i, p := range want {
		if bidPrices[i] != p {
			t.Fatalf("bid walk = %v, want %v", bidPrices, want)
		}
	}

	var askPrices []int64
	b.Walk(Ask, func(lvl *Level) bool {
		askPrices = append(askPrices, lvl.Price.Int64())
		return true
	})
	want = []int64{108, 110, 120}
	for i, p := range want {
		if askPrices[i] != p {
			t.Fatalf("ask walk = %v, want %v", askPrices, want)
		}
	}
}

func TestLevelFIFO(t *testing.T) {
	b := New()
	for id := uint64(1); id <= 3; id++ {
		if err := b.Insert(entry(id, Ask, 100, 5)); err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}

	lvl, ok := b.BestAsk()
	if !ok {
		t.Fatal("no ask level")
	}
	for i, want := range []uint64{1, 2, 3} {
		if lvl.Queue[i].OrderID != want {
			t.Fatalf("queue[%d] = %d, want %d", i, lvl.Queue[i].OrderID, want)
		}
	}

	// Reducing the head must not give up its queue position.
	if err := b.Reduce(1, bi(3)); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if lvl.Queue[0].OrderID != 1 || lvl.Queue[0].Remaining.Cmp(bi(2)) != 0 {
		t.Fatalf("head after reduce = order %d remaining %v", lvl.Queue[0].OrderID, lvl.Queue[0].Remaining)
	}

	// Removing the head promotes the next arrival.
	if _, ok := b.Remove(1); !ok {
		t.Fatal("remove head failed")
	}
	if lvl.Queue[0].OrderID != 2 {
		t.Fatalf("new head = %d, want 2", lvl.Queue[0].OrderID)
	}
}

func TestInsertDuplicate(t *testing.T) {
	b := New()
	if err := b.Insert(entry(1, Bid, 100, 10)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.Insert(entry(1, Bid, 101, 10)); err == nil {
		t.Fatal("duplicate insert succeeded")
	}
}

func TestRemovePrunesEmptyLevel(t *testing.T) {
	b := New()
	if err := b.Insert(entry(1, Ask, 100, 10)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if b.LevelCount(Ask) != 1 {
		t.Fatalf("level count = %d, want 1", b.LevelCount(Ask))
	}
	if _, ok := b.Remove(1); !ok {
		t.Fatal("remove failed")
	}
	if b.LevelCount(Ask) != 0 {
		t.Fatalf("level count after remove = %d, want 0", b.LevelCount(Ask))
	}
	if b.Contains(1) {
		t.Fatal("removed order still indexed")
	}
	if _, ok := b.BestAsk(); ok {
		t.Fatal("empty side reports a best level")
	}
}

func TestReduceBounds(t *testing.T) {
	b := New()
	if err := b.Insert(entry(1, Bid, 100, 10)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := b.Reduce(1, bi(11)); err == nil {
		t.Fatal("over-reduce succeeded")
	}
	if err := b.Reduce(2, bi(1)); err == nil {
		t.Fatal("reduce of absent order succeeded")
	}
	if err := b.Reduce(1, bi(10)); err != nil {
		t.Fatalf("exact reduce: %v", err)
	}
}

func TestDepthAggregation(t *testing.T) {
	b := New()
	for _, e := range []*Entry{
		entry(1, Bid, 100, 10),
		entry(2, Bid, 100, 5),
		entry(3, Bid, 99, 7),
		entry(4, Bid, 98, 1),
	} {
		if err := b.Insert(e); err != nil {
			t.Fatalf("insert %d: %v", e.OrderID, err)
		}
	}

	depth := b.Depth(Bid, 2)
	if len(depth) != 2 {
		t.Fatalf("depth len = %d, want 2", len(depth))
	}
	if depth[0].Price.Cmp(bi(100)) != 0 || depth[0].Quantity.Cmp(bi(15)) != 0 || depth[0].Orders != 2 {
		t.Fatalf("top level = %+v", depth[0])
	}
	if depth[1].Price.Cmp(bi(99)) != 0 || depth[1].Quantity.Cmp(bi(7)) != 0 {
		t.Fatalf("second level = %+v", depth[1])
	}

	all := b.Depth(Bid, 0)
	if len(all) != 3 {
		t.Fatalf("full depth len = %d, want 3", len(all))
	}
}
