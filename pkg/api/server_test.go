package api

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/onbook/onbook/pkg/exchange/engine"
	"github.com/onbook/onbook/pkg/exchange/ledger"
	"github.com/onbook/onbook/pkg/exchange/orderstore"
	"github.com/onbook/onbook/pkg/exchange/registry"
	"github.com/onbook/onbook/pkg/exchange/settle"
	"github.com/onbook/onbook/pkg/exchange/trades"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	admin := common.HexToAddress("0xAAA0000000000000000000000000000000000001")
	log := zap.NewNop().Sugar()

	bank, err := ledger.Open(nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	store, err := orderstore.Open(nil)
	if err != nil {
		t.Fatalf("order store: %v", err)
	}
	tape, err := trades.Open(nil)
	if err != nil {
		t.Fatalf("trade journal: %v", err)
	}
	reg := registry.New(admin, registry.FeeSchedule{Recipient: admin})
	settler := settle.New(bank, reg, admin, log)
	eng := engine.New(log, reg, store, settler, tape, engine.Config{})

	return NewServer(log, eng, reg, bank, tape)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx, "127.0.0.1:0") }()

	// Give the listener a moment to come up, then signal shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}
