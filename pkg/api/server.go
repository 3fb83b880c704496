// Package api exposes the exchange over REST and WebSocket: order
// submission and cancellation, book depth, trade history, balances, and
// the admin surface for pairs, fees, and test-token minting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/onbook/onbook/pkg/exchange"
	"github.com/onbook/onbook/pkg/exchange/engine"
	"github.com/onbook/onbook/pkg/exchange/ledger"
	"github.com/onbook/onbook/pkg/exchange/registry"
	"github.com/onbook/onbook/pkg/exchange/trades"
)

type Server struct {
	log    *zap.SugaredLogger
	engine *engine.Engine
	reg    *registry.Registry
	bank   *ledger.Ledger
	tape   *trades.Journal
	router *mux.Router
	hub    *Hub

	// bookDirty receives pair symbols whose depth changed. A background
	// goroutine fetches fresh depth and broadcasts it, outside the engine
	// lock.
	bookDirty chan string
}

func NewServer(log *zap.SugaredLogger, eng *engine.Engine, reg *registry.Registry,
	bank *ledger.Ledger, tape *trades.Journal) *Server {
	s := &Server{
		log:       log,
		engine:    eng,
		reg:       reg,
		bank:      bank,
		tape:      tape,
		router:    mux.NewRouter(),
		hub:       NewHub(log),
		bookDirty: make(chan string, 64),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/approvals", s.handleApprove).Methods("POST")

	api.HandleFunc("/admin/pairs", s.handleRegisterPair).Methods("POST")
	api.HandleFunc("/admin/fees", s.handleSetFees).Methods("POST")
	api.HandleFunc("/admin/mint", s.handleMint).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start blocks serving HTTP on addr until ctx is canceled, then drains
// in-flight requests and stops the hub and broadcaster goroutines.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	go s.runBookBroadcaster(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})
	srv := &http.Server{Addr: addr, Handler: c.Handler(s.router)}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.log.Infow("api server starting", "addr", addr)
	select {
	case <-ctx.Done():
		s.log.Infow("api server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	fees := s.reg.Fees()
	pairs := s.reg.List()
	out := make([]MarketInfo, len(pairs))
	for i, p := range pairs {
		out[i] = marketInfo(p, fees)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	p, ok := s.reg.Pair(mux.Vars(r)["symbol"])
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}
	respondJSON(w, marketInfo(p, s.reg.Fees()))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	p, ok := s.reg.Pair(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	max := 0
	if v := r.URL.Query().Get("depth"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			max = n
		}
	}
	respondJSON(w, s.orderbookSnapshot(p, max))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	p, ok := s.reg.Pair(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recent := s.tape.Recent(symbol, limit)
	out := make([]TradeInfo, len(recent))
	for i, t := range recent {
		out[i] = tradeInfo(t, p)
	}
	respondJSON(w, out)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Trader) {
		respondError(w, http.StatusBadRequest, "invalid trader address", "")
		return
	}
	p, ok := s.reg.Pair(req.Symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}
	side, ok := exchange.ParseSide(req.Side)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid side", req.Side)
		return
	}
	typ, ok := exchange.ParseOrderType(req.Type)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid order type", req.Type)
		return
	}

	placeReq := engine.PlaceRequest{
		Trader: common.HexToAddress(req.Trader),
		Pair:   req.Symbol,
		Side:   side,
		Type:   typ,
	}
	if req.Price != "" {
		price, err := parseAmount(req.Price, p.Quote.Decimals)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid price", err.Error())
			return
		}
		placeReq.Price = price
	}
	if req.Quantity != "" {
		qty, err := parseAmount(req.Quantity, p.Base.Decimals)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid quantity", err.Error())
			return
		}
		placeReq.Quantity = qty
	}
	if req.QuoteBudget != "" {
		budget, err := parseAmount(req.QuoteBudget, p.Quote.Decimals)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid quote budget", err.Error())
			return
		}
		placeReq.QuoteBudget = budget
	}

	res, err := s.engine.Place(placeReq)
	if err != nil {
		respondError(w, statusOf(err), "order rejected", err.Error())
		return
	}

	resp := PlaceOrderResponse{Order: orderInfo(res.Order, p)}
	for _, t := range res.Settlements {
		resp.Trades = append(resp.Trades, tradeInfo(t, p))
	}
	respondJSON(w, resp)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Caller) {
		respondError(w, http.StatusBadRequest, "invalid caller address", "")
		return
	}
	if err := s.engine.Cancel(req.OrderID, common.HexToAddress(req.Caller)); err != nil {
		respondError(w, statusOf(err), "cancel rejected", err.Error())
		return
	}
	respondJSON(w, map[string]interface{}{"status": "canceled", "orderId": req.OrderID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", "")
		return
	}
	o, err := s.engine.Order(id)
	if err != nil {
		respondError(w, statusOf(err), "order not found", err.Error())
		return
	}
	p, ok := s.reg.Pair(o.Pair)
	if !ok {
		respondError(w, http.StatusInternalServerError, "pair no longer registered", o.Pair)
		return
	}
	respondJSON(w, orderInfo(o, p))
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addrStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	holder := common.HexToAddress(addrStr)

	// Report one entry per distinct registered token.
	seen := make(map[common.Address]bool)
	var out []BalanceInfo
	for _, p := range s.reg.List() {
		for _, tok := range []registry.Token{p.Base, p.Quote} {
			if seen[tok.Address] {
				continue
			}
			seen[tok.Address] = true
			bal := s.bank.BalanceOf(tok.Address, holder)
			out = append(out, BalanceInfo{
				Token:   tok.Symbol,
				Address: tok.Address.Hex(),
				Balance: formatAmount(bal, tok.Decimals),
			})
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Owner) || !common.IsHexAddress(req.Token) || !common.IsHexAddress(req.Spender) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	token := common.HexToAddress(req.Token)
	decimals, ok := s.reg.DecimalsOf(token)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown token", req.Token)
		return
	}
	amount, err := parseAmount(req.Amount, decimals)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	if err := s.bank.Approve(token, common.HexToAddress(req.Owner), common.HexToAddress(req.Spender), amount); err != nil {
		respondError(w, statusOf(err), "approve failed", err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterPair(w http.ResponseWriter, r *http.Request) {
	var req RegisterPairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Caller) || !common.IsHexAddress(req.BaseAddress) || !common.IsHexAddress(req.QuoteAddress) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	pair := registry.Pair{
		Symbol: req.Symbol,
		Base: registry.Token{
			Symbol:   req.BaseSymbol,
			Address:  common.HexToAddress(req.BaseAddress),
			Decimals: req.BaseDecimals,
		},
		Quote: registry.Token{
			Symbol:   req.QuoteSymbol,
			Address:  common.HexToAddress(req.QuoteAddress),
			Decimals: req.QuoteDecimals,
		},
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.reg.RegisterPair(common.HexToAddress(req.Caller), pair); err != nil {
		respondError(w, statusOf(err), "register pair failed", err.Error())
		return
	}
	s.log.Infow("pair registered", "symbol", pair.Symbol)
	respondJSON(w, marketInfo(pair, s.reg.Fees()))
}

func (s *Server) handleSetFees(w http.ResponseWriter, r *http.Request) {
	var req SetFeesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Caller) || !common.IsHexAddress(req.Recipient) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	fees := registry.FeeSchedule{
		MakerBps:  req.MakerFeeBps,
		TakerBps:  req.TakerFeeBps,
		Recipient: common.HexToAddress(req.Recipient),
	}
	if err := s.reg.SetFees(common.HexToAddress(req.Caller), fees); err != nil {
		respondError(w, statusOf(err), "set fees failed", err.Error())
		return
	}
	s.log.Infow("fees updated", "makerBps", fees.MakerBps, "takerBps", fees.TakerBps)
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Caller) || !common.IsHexAddress(req.Token) || !common.IsHexAddress(req.To) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	if common.HexToAddress(req.Caller) != s.reg.Admin() {
		respondError(w, http.StatusForbidden, "unauthorized", "")
		return
	}
	token := common.HexToAddress(req.Token)
	decimals, ok := s.reg.DecimalsOf(token)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown token", req.Token)
		return
	}
	amount, err := parseAmount(req.Amount, decimals)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	if err := s.bank.Mint(token, common.HexToAddress(req.To), amount); err != nil {
		respondError(w, statusOf(err), "mint failed", err.Error())
		return
	}
	s.log.Infow("minted", "token", req.Token, "to", req.To, "amount", req.Amount)
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) orderbookSnapshot(p registry.Pair, max int) OrderbookSnapshot {
	bids, asks := s.engine.Depth(p.Symbol, max)
	snap := OrderbookSnapshot{
		Symbol:    p.Symbol,
		Bids:      make([]PriceLevel, len(bids)),
		Asks:      make([]PriceLevel, len(asks)),
		Timestamp: time.Now().UnixMilli(),
	}
	for i, lvl := range bids {
		snap.Bids[i] = PriceLevel{
			Price:    formatAmount(lvl.Price, p.Quote.Decimals),
			Quantity: formatAmount(lvl.Quantity, p.Base.Decimals),
			Orders:   lvl.Orders,
		}
	}
	for i, lvl := range asks {
		snap.Asks[i] = PriceLevel{
			Price:    formatAmount(lvl.Price, p.Quote.Decimals),
			Quantity: formatAmount(lvl.Quantity, p.Base.Decimals),
			Orders:   lvl.Orders,
		}
	}
	return snap
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, exchange.ErrUnsupportedPair),
		errors.Is(err, exchange.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrInsufficientFunds),
		errors.Is(err, exchange.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exchange.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, exchange.ErrInvalidPrice),
		errors.Is(err, exchange.ErrInvalidQuantity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: detail})
}
