// Package web exposes the cycle command API over HTTP: starting and stopping
// cycles and inspecting their state. Monetary values travel as string
// decimals, never floats.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"upcycle/internal/domain"
	"upcycle/internal/storage/cycles"
)

type commander interface {
	StartCycle(ctx context.Context, market string, cfg domain.StrategyConfig) (*domain.TradingCycle, error)
	StopCycle(ctx context.Context, market string, forceSell bool) (*domain.TradingCycle, error)
	CycleStatus(ctx context.Context, market string) (*domain.TradingCycle, error)
	ListCycles(ctx context.Context) ([]*domain.TradingCycle, error)
}

// Server exposes the HTTP command API.
type Server struct {
	Addr     string
	Commands commander
	Logger   *zap.Logger
}

// NewServer creates a new command API server.
func NewServer(addr string, commands commander, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Addr: addr, Commands: commands, Logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cycles/{market}/start", s.handleStart)
	mux.HandleFunc("POST /cycles/{market}/stop", s.handleStop)
	mux.HandleFunc("GET /cycles/{market}", s.handleStatus)
	mux.HandleFunc("GET /cycles", s.handleList)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startRequest carries the strategy parameters as string decimals.
type startRequest struct {
	InitialInvestment    string `json:"initial_investment"`
	DropThresholdRate    string `json:"drop_threshold_rate"`
	TargetProfitRate     string `json:"target_profit_rate"`
	MaxRounds            int    `json:"max_rounds"`
	StopLossRate         string `json:"stop_loss_rate,omitempty"`
	BuyMultiplier        string `json:"buy_multiplier,omitempty"`
	MinBuyInterval       string `json:"min_buy_interval,omitempty"`
	OnMaxRoundsExhausted string `json:"on_max_rounds_exhausted,omitempty"`
}

func (r startRequest) toConfig() (domain.StrategyConfig, error) {
	var cfg domain.StrategyConfig
	var err error

	if cfg.InitialInvestment, err = decimal.NewFromString(r.InitialInvestment); err != nil {
		return cfg, errors.Wrapf(domain.ErrInvalidConfig, "bad initial_investment %q", r.InitialInvestment)
	}
	if cfg.DropThresholdRate, err = decimal.NewFromString(r.DropThresholdRate); err != nil {
		return cfg, errors.Wrapf(domain.ErrInvalidConfig, "bad drop_threshold_rate %q", r.DropThresholdRate)
	}
	if cfg.TargetProfitRate, err = decimal.NewFromString(r.TargetProfitRate); err != nil {
		return cfg, errors.Wrapf(domain.ErrInvalidConfig, "bad target_profit_rate %q", r.TargetProfitRate)
	}
	cfg.MaxRounds = r.MaxRounds

	if r.StopLossRate != "" {
		if cfg.StopLossRate, err = decimal.NewFromString(r.StopLossRate); err != nil {
			return cfg, errors.Wrapf(domain.ErrInvalidConfig, "bad stop_loss_rate %q", r.StopLossRate)
		}
	}
	if r.BuyMultiplier != "" {
		if cfg.BuyMultiplier, err = decimal.NewFromString(r.BuyMultiplier); err != nil {
			return cfg, errors.Wrapf(domain.ErrInvalidConfig, "bad buy_multiplier %q", r.BuyMultiplier)
		}
	}
	if r.MinBuyInterval != "" {
		if cfg.MinBuyInterval, err = time.ParseDuration(r.MinBuyInterval); err != nil {
			return cfg, errors.Wrapf(domain.ErrInvalidConfig, "bad min_buy_interval %q", r.MinBuyInterval)
		}
	}
	cfg.OnMaxRoundsExhausted = domain.MaxRoundsPolicy(r.OnMaxRoundsExhausted)

	return cfg, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	market := r.PathValue("market")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(domain.ErrInvalidConfig, "malformed request body"))
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}

	cycle, err := s.Commands.StartCycle(r.Context(), market, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cycleResponse(cycle))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	market := r.PathValue("market")
	forceSell := r.URL.Query().Get("force") == "true"

	cycle, err := s.Commands.StopCycle(r.Context(), market, forceSell)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cycleResponse(cycle))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.Commands.CycleStatus(r.Context(), r.PathValue("market"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cycleResponse(cycle))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.Commands.ListCycles(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, c := range list {
		out = append(out, cycleResponse(c))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cycles": out})
}

// cycleResponse renders the cycle with string decimals; the domain JSON tags
// already encode decimal.Decimal as strings, so the cycle marshals directly.
func cycleResponse(c *domain.TradingCycle) map[string]any {
	return map[string]any{
		"cycle_id":         c.CycleID,
		"market":           c.Market,
		"status":           c.Status,
		"round":            c.Round,
		"average_price":    c.AveragePrice,
		"total_investment": c.TotalInvestment,
		"total_volume":     c.TotalVolume,
		"config":           c.Config,
		"history":          c.History,
		"pending_order":    c.PendingOrder,
		"started_at":       c.StartedAt,
		"updated_at":       c.UpdatedAt,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.Logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyActive), errors.Is(err, domain.ErrNotActive):
		status = http.StatusConflict
	case errors.Is(err, cycles.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.Logger.Error("command failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
