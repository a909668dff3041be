// Package api provides the HTTP and WebSocket serving surface for the
// strategy engine: run backtests, inspect results, stream progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/techprocreative/strategy-engine/internal/backtest"
	"github.com/techprocreative/strategy-engine/internal/data"
	"github.com/techprocreative/strategy-engine/internal/rules"
	"github.com/techprocreative/strategy-engine/internal/workers"
	"github.com/techprocreative/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	adapter   *rules.Adapter
	store     *data.FileStore
	engines   map[string]*backtest.Engine
	defSource string
	pool      *workers.Pool
	metrics   *Metrics
	registry  *prometheus.Registry

	backtests map[string]*BacktestState
}

// BacktestState tracks one submitted backtest.
type BacktestState struct {
	ID       string                 `json:"id"`
	Status   string                 `json:"status"`
	Started  time.Time              `json:"started"`
	Result   *types.BacktestResult  `json:"result,omitempty"`
	Progress types.BacktestProgress `json:"progress"`
	Error    string                 `json:"error,omitempty"`
	cancel   context.CancelFunc
}

// runRequest is the POST body for starting a backtest.
type runRequest struct {
	Strategy json.RawMessage       `json:"strategy"`
	Backtest types.BacktestRequest `json:"backtest"`
}

// NewServer creates the API server. providers maps source names to candle
// providers; defSource names the provider used when a request does not pick
// one. store may serve as a provider and also backs the symbols endpoint.
func NewServer(logger *zap.Logger, config *types.ServerConfig, store *data.FileStore, providers map[string]data.Provider, defSource string) *Server {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	engines := make(map[string]*backtest.Engine, len(providers))
	for name, p := range providers {
		engines[name] = backtest.NewEngine(logger, &instrumentedProvider{
			inner:    p,
			requests: metrics.ProviderRequests,
		})
	}

	poolCfg := workers.DefaultPoolConfig("backtests")
	if config.Workers > 0 {
		poolCfg.NumWorkers = config.Workers
	}

	server := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		clients:   make(map[string]*Client),
		adapter:   rules.NewAdapter(logger),
		store:     store,
		engines:   engines,
		defSource: defSource,
		pool:      workers.NewPool(logger, poolCfg),
		metrics:   metrics,
		registry:  registry,
		backtests: make(map[string]*BacktestState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/data/symbols", s.handleGetSymbols).Methods("GET")

	s.router.HandleFunc("/api/v1/strategy/validate", s.handleValidateStrategy).Methods("POST")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetBacktestTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start launches the worker pool and the HTTP server.
func (s *Server) Start() error {
	s.pool.Start()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and the worker pool.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	for _, state := range s.backtests {
		if state.cancel != nil {
			state.cancel()
		}
	}
	s.mu.Unlock()

	s.pool.Stop(5 * time.Second)

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": s.store.Symbols(),
	})
}

// handleValidateStrategy normalizes a rule document without running it.
func (s *Server) handleValidateStrategy(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ruleSet, err := s.adapter.Normalize(raw)
	if err != nil {
		s.writeValidationFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"strategy": ruleSet,
	})
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ruleSet, err := s.adapter.Normalize(req.Strategy)
	if err != nil {
		s.metrics.BacktestsRejected.Inc()
		s.writeValidationFailure(w, err)
		return
	}

	bt := req.Backtest
	if bt.Symbol == "" && len(ruleSet.Symbols) > 0 {
		bt.Symbol = ruleSet.Symbols[0]
	}
	if bt.Timeframe == "" {
		bt.Timeframe = ruleSet.Timeframe
	}
	if bt.InitialBalance.IsZero() {
		bt.InitialBalance = decimal.NewFromInt(10000)
	}
	if !bt.EndDate.After(bt.StartDate) {
		http.Error(w, "endDate must be after startDate", http.StatusBadRequest)
		return
	}

	source := bt.DataSource
	if source == "" {
		source = s.defSource
	}
	engine, ok := s.engines[source]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown data source %q", source), http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	state := &BacktestState{
		ID:      id,
		Status:  "queued",
		Started: time.Now(),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.backtests[id] = state
	s.mu.Unlock()

	task := workers.TaskFunc(func(context.Context) error {
		return s.execute(ctx, engine, state, ruleSet, bt)
	})
	if err := s.pool.Submit(task); err != nil {
		cancel()
		s.mu.Lock()
		delete(s.backtests, id)
		s.mu.Unlock()
		http.Error(w, "Server busy, try again later", http.StatusServiceUnavailable)
		return
	}
	s.metrics.BacktestsStarted.Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":      id,
		"status":  "queued",
		"started": state.Started.Unix(),
	})
}

// execute runs one backtest on a pool worker and records the outcome.
func (s *Server) execute(ctx context.Context, engine *backtest.Engine, state *BacktestState, ruleSet *rules.RuleSet, bt types.BacktestRequest) error {
	s.setStatus(state, "running", nil, "")
	started := time.Now()

	progress := func(p types.BacktestProgress) {
		s.mu.Lock()
		state.Progress = p
		s.mu.Unlock()
		s.broadcast(&Message{
			ID:        uuid.New().String(),
			Type:      "event",
			Method:    "backtest:progress",
			Payload:   p,
			Timestamp: time.Now().UnixMilli(),
		})
	}

	result, err := engine.Run(ctx, state.ID, ruleSet, bt, progress)
	s.metrics.RunDuration.Observe(time.Since(started).Seconds())

	switch {
	case errors.Is(err, context.Canceled):
		s.metrics.BacktestsCancelled.Inc()
		s.setStatus(state, "cancelled", nil, "")
	case err != nil:
		s.metrics.BacktestsFailed.Inc()
		s.setStatus(state, "failed", nil, err.Error())
		s.logger.Error("Backtest failed", zap.String("id", state.ID), zap.Error(err))
	default:
		s.metrics.BacktestsCompleted.Inc()
		if result.Metadata.PartialData {
			s.metrics.PartialDataRuns.Inc()
		}
		s.setStatus(state, "completed", result, "")
	}

	s.mu.RLock()
	status := state.Status
	s.mu.RUnlock()

	s.broadcast(&Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    "backtest:complete",
		Payload:   map[string]any{"id": state.ID, "status": status},
		Timestamp: time.Now().UnixMilli(),
	})
	return err
}

func (s *Server) setStatus(state *BacktestState, status string, result *types.BacktestResult, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.Status = status
	state.Error = errMsg
	if result != nil {
		state.Result = result
	}
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Backtest not found", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Backtest not found", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	result := state.Result
	s.mu.RUnlock()

	if result == nil {
		http.Error(w, "Backtest not complete", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     state.ID,
		"trades": result.Trades,
		"count":  len(result.Trades),
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Backtest not found", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	running := state.Status == "queued" || state.Status == "running"
	if running && state.cancel != nil {
		state.cancel()
	}
	s.mu.Unlock()

	if !running {
		http.Error(w, "Backtest not running", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     state.ID,
		"status": "cancelling",
	})
}

func (s *Server) lookup(id string) (*BacktestState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.backtests[id]
	return state, ok
}

func (s *Server) writeValidationFailure(w http.ResponseWriter, err error) {
	var verrs *rules.ValidationErrors
	if errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid":  false,
			"errors": verrs.Errors,
		})
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
