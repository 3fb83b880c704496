package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/pebble"

	"github.com/onbook/onbook/params"
	"github.com/onbook/onbook/pkg/api"
	"github.com/onbook/onbook/pkg/exchange/engine"
	"github.com/onbook/onbook/pkg/exchange/ledger"
	"github.com/onbook/onbook/pkg/exchange/orderstore"
	"github.com/onbook/onbook/pkg/exchange/registry"
	"github.com/onbook/onbook/pkg/exchange/settle"
	"github.com/onbook/onbook/pkg/exchange/trades"
	"github.com/onbook/onbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")
	ex := cfg.Exchange

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = filepath.Join(ex.DataDir, "exchanged.log")
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Storage ----
	ordersDB, err := pebble.Open(filepath.Join(ex.DataDir, "orders.db"), &pebble.Options{})
	if err != nil {
		sugar.Fatalw("open_orders_db_failed", "err", err)
	}
	defer ordersDB.Close()

	ledgerDB, err := pebble.Open(filepath.Join(ex.DataDir, "ledger.db"), &pebble.Options{})
	if err != nil {
		sugar.Fatalw("open_ledger_db_failed", "err", err)
	}
	defer ledgerDB.Close()

	tradesDB, err := pebble.Open(filepath.Join(ex.DataDir, "trades.db"), &pebble.Options{})
	if err != nil {
		sugar.Fatalw("open_trades_db_failed", "err", err)
	}
	defer tradesDB.Close()

	// ---- Exchange core ----
	reg := registry.New(ex.Admin, registry.FeeSchedule{
		MakerBps:  ex.MakerFeeBps,
		TakerBps:  ex.TakerFeeBps,
		Recipient: ex.FeeRecipient,
	})

	bank, err := ledger.Open(ledgerDB)
	if err != nil {
		sugar.Fatalw("ledger_init_failed", "err", err)
	}

	store, err := orderstore.Open(ordersDB)
	if err != nil {
		sugar.Fatalw("order_store_init_failed", "err", err)
	}
	sugar.Infow("order_store_loaded", "orders", store.Count())

	tape, err := trades.Open(tradesDB)
	if err != nil {
		sugar.Fatalw("trade_journal_init_failed", "err", err)
	}

	settler := settle.New(bank, reg, ex.Operator, sugar)
	eng := engine.New(sugar, reg, store, settler, tape, engine.Config{
		MaxMatches: ex.MaxMatchesPerOrder,
	})

	// ---- API ----
	apiServer := api.NewServer(sugar, eng, reg, bank, tape)
	eng.SetEventSink(apiServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvDone := make(chan error, 1)
	go func() { srvDone <- apiServer.Start(ctx, ex.ListenAddr) }()

	sugar.Infow("exchange_started",
		"listen_addr", ex.ListenAddr,
		"admin", ex.Admin.Hex(),
		"operator", ex.Operator.Hex(),
		"maker_fee_bps", ex.MakerFeeBps,
		"taker_fee_bps", ex.TakerFeeBps)

	select {
	case <-ctx.Done():
		sugar.Info("shutting down")
		if err := <-srvDone; err != nil {
			sugar.Errorw("api_server_shutdown_failed", "err", err)
		}
	case err := <-srvDone:
		sugar.Fatalw("api_server_failed", "err", err)
	}
}
