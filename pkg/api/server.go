// Package api exposes the relayer's owner and keeper entry points over REST
// and streams lifecycle events over WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/0xfoundry/gprelayer/pkg/oracle"
	"github.com/0xfoundry/gprelayer/pkg/relayer"
)

// Server routes REST calls into the relayer state machine.
type Server struct {
	relayer *relayer.Relayer
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
}

func NewServer(r *relayer.Relayer, logger *zap.SugaredLogger) *Server {
	s := &Server{
		relayer: r,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		log:     logger,
	}
	s.setupRoutes()
	return s
}

// Hub returns the event hub; wire it into the relayer as its event sink.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Owner entry points
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/withdraw", s.handleWithdrawExpired).Methods("POST")
	api.HandleFunc("/funding", s.handleFund).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleSweep).Methods("POST")

	// Keeper entry points: permissionless, time-gated
	api.HandleFunc("/orders/{id}/oracle", s.handleUpdateOracle).Methods("POST")
	api.HandleFunc("/orders/{id}/execute", s.handleExecuteOrder).Methods("POST")

	// Read-only detail getters
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/oracles/{id}", s.handleGetOracle).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub and serves until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}

	amountIn, err := parseAmount(req.AmountIn)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amountIn", err.Error())
		return
	}
	amountOutMin, err := parseAmount(req.AmountOutMin)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amountOutMin", err.Error())
		return
	}
	minReserve, err := parseAmount(req.MinReserve)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid minReserve", err.Error())
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid value", err.Error())
		return
	}

	id, err := s.relayer.CreateOrder(common.HexToAddress(req.From), relayer.OrderRequest{
		TokenIn:        common.HexToAddress(req.TokenIn),
		TokenOut:       common.HexToAddress(req.TokenOut),
		AmountIn:       amountIn,
		AmountOutMin:   amountOutMin,
		PriceTolerance: req.PriceTolerance,
		MinReserve:     minReserve,
		StartTime:      req.StartTime,
		Deadline:       req.Deadline,
		Factory:        common.HexToAddress(req.Factory),
	}, value)
	if err != nil {
		respondRelayerError(w, err)
		return
	}
	respondJSON(w, CreateOrderResponse{OrderID: id})
}

func (s *Server) handleUpdateOracle(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := s.relayer.UpdateOracle(id); err != nil {
		respondRelayerError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := s.relayer.ExecuteOrder(id); err != nil {
		respondRelayerError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	if err := s.relayer.CancelOrder(common.HexToAddress(req.From), id); err != nil {
		respondRelayerError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdrawExpired(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	if err := s.relayer.WithdrawExpiredOrder(common.HexToAddress(req.From), id); err != nil {
		respondRelayerError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	s.relayer.Fund(common.HexToAddress(req.Token), amount)
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	from := common.HexToAddress(req.From)
	if req.Token == "" {
		err = s.relayer.WithdrawNative(from, amount)
	} else {
		err = s.relayer.WithdrawToken(from, common.HexToAddress(req.Token), amount)
	}
	if err != nil {
		respondRelayerError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	count := s.relayer.OrderCount()
	out := make([]OrderResponse, 0, count)
	for id := uint64(0); id < count; id++ {
		o, err := s.relayer.OrderDetails(id)
		if err != nil {
			respondRelayerError(w, err)
			return
		}
		out = append(out, orderResponse(o))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := s.relayer.OrderDetails(id)
	if err != nil {
		respondRelayerError(w, err)
		return
	}
	respondJSON(w, orderResponse(o))
}

func (s *Server) handleGetOracle(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := s.relayer.OracleDetails(id)
	if err != nil {
		respondRelayerError(w, err)
		return
	}
	respondJSON(w, oracleResponse(o))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "orders": s.relayer.OrderCount()})
}

func orderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return 0, false
	}
	return id, true
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}

func orderResponse(o *relayer.Order) OrderResponse {
	return OrderResponse{
		ID:             o.ID,
		TokenIn:        o.TokenIn.Hex(),
		TokenOut:       o.TokenOut.Hex(),
		AmountIn:       o.AmountIn.Dec(),
		AmountOutMin:   o.AmountOutMin.Dec(),
		PriceTolerance: o.PriceTolerance,
		MinReserve:     o.MinReserve.Dec(),
		StartTime:      o.StartTime,
		Deadline:       o.Deadline,
		OracleID:       o.OracleID,
		Factory:        o.Factory.Hex(),
		PairAddress:    o.PairAddress.Hex(),
		Status:         o.Status.String(),
		Executed:       o.Executed(),
	}
}

func oracleResponse(o *oracle.Oracle) OracleResponse {
	resp := OracleResponse{
		ID:          o.ID,
		Token0:      o.Token0.Hex(),
		Token1:      o.Token1.Hex(),
		PairAddress: o.PairAddress.Hex(),
		Finalized:   o.Finalized(),
	}
	if o.Start != nil {
		resp.Start = &ObservationResponse{
			Timestamp:        o.Start.Timestamp,
			Price0Cumulative: o.Start.Price0Cumulative.Dec(),
			Price1Cumulative: o.Start.Price1Cumulative.Dec(),
		}
	}
	if o.End != nil {
		resp.End = &ObservationResponse{
			Timestamp:        o.End.Timestamp,
			Price0Cumulative: o.End.Price0Cumulative.Dec(),
			Price1Cumulative: o.End.Price1Cumulative.Dec(),
		}
	}
	return resp
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Details: details})
}

// respondRelayerError maps error kinds onto HTTP statuses: unknown ids are
// 404, authorization 403, bad parameters 400, and time-gated preconditions
// 409 so keepers know to retry later.
func respondRelayerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, relayer.ErrInvalidOrder) || errors.Is(err, oracle.ErrUnknownOracle):
		status = http.StatusNotFound
	case errors.Is(err, relayer.ErrCallerNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, relayer.ErrInvalidFactory),
		errors.Is(err, relayer.ErrInvalidPair),
		errors.Is(err, relayer.ErrInvalidTokenAmount),
		errors.Is(err, relayer.ErrInvalidTolerance),
		errors.Is(err, relayer.ErrInvalidDeadline),
		errors.Is(err, relayer.ErrUnknownPair),
		errors.Is(err, relayer.ErrInsufficientNative),
		errors.Is(err, relayer.ErrInsufficientTokenIn),
		errors.Is(err, relayer.ErrInsufficientBalance),
		errors.Is(err, oracle.ErrInvalidToken):
		status = http.StatusBadRequest
	case errors.Is(err, relayer.ErrDeadlineReached),
		errors.Is(err, relayer.ErrDeadlineNotReached),
		errors.Is(err, relayer.ErrObservationRunning),
		errors.Is(err, relayer.ErrOrderExecuted),
		errors.Is(err, relayer.ErrOrderClosed),
		errors.Is(err, relayer.ErrInsufficientReserve),
		errors.Is(err, oracle.ErrPeriodNotElapsed),
		errors.Is(err, oracle.ErrObservationEnded),
		errors.Is(err, oracle.ErrObservationRunning),
		errors.Is(err, oracle.ErrAlreadyObserving):
		status = http.StatusConflict
	}
	respondError(w, status, err.Error(), "")
}
