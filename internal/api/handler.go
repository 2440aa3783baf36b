// Package api provides the HTTP handlers for instruments, users, trading,
// portfolios and simulation control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stocktrader/engine/internal/ledger"
	"github.com/stocktrader/engine/internal/model"
	"github.com/stocktrader/engine/internal/store"
)

// Market is the read side of market state.
type Market interface {
	Instruments() []model.Instrument
	Instrument(id string) (model.Instrument, bool)
}

// Simulation controls the price simulator.
type Simulation interface {
	Start()
	Stop()
	Running() bool
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the REST API.
type Handler struct {
	ledger *ledger.Engine
	market Market
	sim    Simulation
	health Pinger
	logger *zap.Logger
}

// NewHandler creates the API handler set.
func NewHandler(l *ledger.Engine, m Market, sim Simulation, health Pinger, logger *zap.Logger) *Handler {
	return &Handler{ledger: l, market: m, sim: sim, health: health, logger: logger}
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username string           `json:"username"`
	Balance  *decimal.Decimal `json:"balance,omitempty"` // nil → configured initial balance
}

// TradeRequest is the JSON body for POST /portfolio/buy and /portfolio/sell.
type TradeRequest struct {
	UserID       string `json:"user_id"`
	InstrumentID string `json:"instrument_id"`
	Quantity     int64  `json:"quantity"`
}

// SimulationStatus is returned by the simulation endpoints.
type SimulationStatus struct {
	Running bool `json:"running"`
}

// --- Health ---

// Health handles GET /health. It reports 503 when the store is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unhealthy",
			"service":  "stocktrader-engine",
			"database": "disconnected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "stocktrader-engine",
	})
}

// --- Instruments ---

// ListInstruments handles GET /api/v1/instruments
func (h *Handler) ListInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.market.Instruments())
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID}
func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.market.Instrument(chi.URLParam(r, "instrumentID"))
	if !ok {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := h.ledger.CreateUser(r.Context(), req.Username, req.Balance)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.ledger.User(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Trading ---

// Buy handles POST /api/v1/portfolio/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.ledger.Buy)
}

// Sell handles POST /api/v1/portfolio/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.ledger.Sell)
}

type tradeFunc func(ctx context.Context, userID, instrumentID string, qty int64) (*model.Trade, error)

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, exec tradeFunc) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.InstrumentID == "" {
		writeError(w, "instrument_id is required", http.StatusBadRequest)
		return
	}

	tr, err := exec(r.Context(), req.UserID, req.InstrumentID, req.Quantity)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// --- Portfolio ---

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetTransactions handles GET /api/v1/portfolio/{userID}/transactions
// Returns trades newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	trades, err := h.ledger.Transactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Simulation control ---

// SimulationStatus handles GET /api/v1/simulation
func (h *Handler) SimulationStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SimulationStatus{Running: h.sim.Running()})
}

// StartSimulation handles POST /api/v1/simulation/start
func (h *Handler) StartSimulation(w http.ResponseWriter, _ *http.Request) {
	h.sim.Start()
	writeJSON(w, http.StatusOK, SimulationStatus{Running: h.sim.Running()})
}

// StopSimulation handles POST /api/v1/simulation/stop
func (h *Handler) StopSimulation(w http.ResponseWriter, _ *http.Request) {
	h.sim.Stop()
	writeJSON(w, http.StatusOK, SimulationStatus{Running: h.sim.Running()})
}

// fail maps a ledger or store error onto an HTTP status.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientHoldings),
		errors.Is(err, ledger.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, ledger.ErrInstrumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
