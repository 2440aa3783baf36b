// Package ledger executes buy and sell orders against user cash and
// positions at the current market price.
//
// Every trade for a user runs under that user's exclusive lock. The new
// balance, position and trade record are computed in memory and then
// committed to the store in one atomic call, so a failure at any step leaves
// nothing behind. Different users trade fully in parallel.
//
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stocktrader/engine/internal/id"
	"github.com/stocktrader/engine/internal/market"
	"github.com/stocktrader/engine/internal/metrics"
	"github.com/stocktrader/engine/internal/model"
	"github.com/stocktrader/engine/internal/store"
)

var (
	ErrInvalidQuantity      = errors.New("ledger: quantity must be positive")
	ErrInsufficientFunds    = errors.New("ledger: insufficient funds")
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")
	ErrInstrumentNotFound   = errors.New("ledger: instrument not found")
	ErrUserNotFound         = errors.New("ledger: user not found")
	ErrInvalidUser          = errors.New("ledger: invalid user")
)

const maxUsernameLen = 50

// DefaultInitialBalance is the cash a new user starts with.
var DefaultInitialBalance = decimal.NewFromInt(10000)

// PriceSource provides the current price of an instrument. *market.State
// satisfies it.
type PriceSource interface {
	Price(instrumentID string) (decimal.Decimal, error)
	Instrument(instrumentID string) (model.Instrument, bool)
}

// Engine is the ledger. It is safe for concurrent use.
type Engine struct {
	store          store.Store
	prices         PriceSource
	logger         *zap.Logger
	initialBalance decimal.Decimal
	locks          *userLocks
	now            func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithInitialBalance sets the balance given to users created without one.
func WithInitialBalance(b decimal.Decimal) Option {
	return func(e *Engine) { e.initialBalance = b }
}

// NewEngine creates a ledger over st, pricing trades from prices.
func NewEngine(st store.Store, prices PriceSource, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		prices:         prices,
		logger:         logger,
		initialBalance: DefaultInitialBalance,
		locks:          newUserLocks(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateUser registers a user. A nil balance means the configured initial
// balance.
func (e *Engine) CreateUser(ctx context.Context, username string, balance *decimal.Decimal) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidUser)
	}
	if len(username) > maxUsernameLen {
		return nil, fmt.Errorf("%w: username longer than %d", ErrInvalidUser, maxUsernameLen)
	}
	b := e.initialBalance
	if balance != nil {
		b = *balance
	}
	if b.IsNegative() {
		return nil, fmt.Errorf("%w: balance must not be negative", ErrInvalidUser)
	}

	u := &model.User{
		ID:        uuid.New().String(),
		Username:  username,
		Balance:   b,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	e.logger.Info("user created", zap.String("user", u.ID), zap.String("username", u.Username), zap.Stringer("balance", u.Balance))
	return u, nil
}

// User returns one user.
func (e *Engine) User(ctx context.Context, userID string) (*model.User, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, userErr(userID, err)
	}
	return u, nil
}

// Buy purchases qty units of an instrument at its current price.
func (e *Engine) Buy(ctx context.Context, userID, instrumentID string, qty int64) (*model.Trade, error) {
	return e.execute(ctx, model.SideBuy, userID, instrumentID, qty, e.buy)
}

// Sell disposes of qty units of an instrument at its current price.
func (e *Engine) Sell(ctx context.Context, userID, instrumentID string, qty int64) (*model.Trade, error) {
	return e.execute(ctx, model.SideSell, userID, instrumentID, qty, e.sell)
}

type planFunc func(ctx context.Context, u *model.User, instrumentID string, qty int64, price decimal.Decimal, now time.Time) (*store.TradeCommit, error)

func (e *Engine) execute(ctx context.Context, side model.Side, userID, instrumentID string, qty int64, plan planFunc) (*model.Trade, error) {
	start := time.Now()
	trade, err := e.executeLocked(ctx, side, userID, instrumentID, qty, plan)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(string(side), rejectReason(err)).Inc()
		e.logger.Info("trade rejected",
			zap.String("user", userID),
			zap.String("instrument", instrumentID),
			zap.String("side", string(side)),
			zap.Int64("qty", qty),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	e.logger.Info("trade executed",
		zap.String("trade_id", trade.ID),
		zap.String("user", trade.UserID),
		zap.String("instrument", trade.InstrumentID),
		zap.String("side", string(trade.Side)),
		zap.Int64("qty", trade.Quantity),
		zap.Stringer("price", trade.Price),
		zap.Stringer("total", trade.TotalAmount),
	)
	return trade, nil
}

func (e *Engine) executeLocked(ctx context.Context, side model.Side, userID, instrumentID string, qty int64, plan planFunc) (*model.Trade, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}

	unlock, err := e.locks.acquire(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", side, instrumentID, err)
	}
	defer unlock()

	// One snapshot read; the price is not re-checked before commit.
	price, err := e.prices.Price(instrumentID)
	if err != nil {
		if errors.Is(err, market.ErrInstrumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, instrumentID)
		}
		return nil, fmt.Errorf("read price %s: %w", instrumentID, err)
	}

	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, userErr(userID, err)
	}

	c, err := plan(ctx, u, instrumentID, qty, price, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.store.CommitTrade(ctx, c); err != nil {
		return nil, fmt.Errorf("commit %s trade: %w", side, err)
	}
	trade := c.Trade
	e.describe(&trade)
	return &trade, nil
}

// describe attaches the instrument's symbol and name to a trade.
func (e *Engine) describe(t *model.Trade) {
	if inst, ok := e.prices.Instrument(t.InstrumentID); ok {
		t.Symbol = inst.Symbol
		t.Name = inst.Name
	}
}

func (e *Engine) buy(ctx context.Context, u *model.User, instrumentID string, qty int64, price decimal.Decimal, now time.Time) (*store.TradeCommit, error) {
	cost := price.Mul(decimal.NewFromInt(qty))
	if u.Balance.LessThan(cost) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, u.Balance)
	}

	pos, err := e.store.GetPosition(ctx, u.ID, instrumentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = &model.Position{
			UserID:       u.ID,
			InstrumentID: instrumentID,
			Quantity:     qty,
			AverageCost:  price,
		}
	case err != nil:
		return nil, fmt.Errorf("load position: %w", err)
	default:
		if qty > math.MaxInt64-pos.Quantity {
			return nil, fmt.Errorf("%w: position of %d cannot grow by %d", ErrInvalidQuantity, pos.Quantity, qty)
		}
		held := decimal.NewFromInt(pos.Quantity)
		total := pos.Quantity + qty
		pos.AverageCost = pos.AverageCost.Mul(held).Add(cost).Div(decimal.NewFromInt(total))
		pos.Quantity = total
	}
	pos.LastUpdated = now

	return &store.TradeCommit{
		UserID:       u.ID,
		NewBalance:   u.Balance.Sub(cost),
		InstrumentID: instrumentID,
		Position:     pos,
		Trade:        newTrade(u.ID, instrumentID, model.SideBuy, qty, price, cost, now),
	}, nil
}

func (e *Engine) sell(ctx context.Context, u *model.User, instrumentID string, qty int64, price decimal.Decimal, now time.Time) (*store.TradeCommit, error) {
	pos, err := e.store.GetPosition(ctx, u.ID, instrumentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no position in %s", ErrInsufficientHoldings, instrumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if pos.Quantity < qty {
		return nil, fmt.Errorf("%w: hold %d, selling %d", ErrInsufficientHoldings, pos.Quantity, qty)
	}

	proceeds := price.Mul(decimal.NewFromInt(qty))
	c := &store.TradeCommit{
		UserID:       u.ID,
		NewBalance:   u.Balance.Add(proceeds),
		InstrumentID: instrumentID,
		Trade:        newTrade(u.ID, instrumentID, model.SideSell, qty, price, proceeds, now),
	}

	pos.Quantity -= qty
	if pos.Quantity == 0 {
		c.DeletePosition = true
	} else {
		// Average cost is unchanged by a sale.
		pos.LastUpdated = now
		c.Position = pos
	}
	return c, nil
}

func newTrade(userID, instrumentID string, side model.Side, qty int64, price, total decimal.Decimal, now time.Time) model.Trade {
	return model.Trade{
		ID:           id.New(now),
		UserID:       userID,
		InstrumentID: instrumentID,
		Side:         side,
		Quantity:     qty,
		Price:        price,
		TotalAmount:  total,
		CreatedAt:    now,
	}
}

// Portfolio returns the user's cash and positions marked to current prices.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, userErr(userID, err)
	}
	positions, err := e.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	p := &model.Portfolio{
		UserID:        userID,
		Balance:       u.Balance,
		Holdings:      make([]model.Holding, 0, len(positions)),
		MarketValue:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	for _, pos := range positions {
		h := model.Holding{Position: pos}
		qty := decimal.NewFromInt(pos.Quantity)
		h.CostBasis = pos.AverageCost.Mul(qty)
		if inst, ok := e.prices.Instrument(pos.InstrumentID); ok {
			h.Symbol = inst.Symbol
			h.Name = inst.Name
			h.CurrentPrice = inst.CurrentPrice
		} else {
			// Unknown to market state; carry it at cost.
			h.CurrentPrice = pos.AverageCost
		}
		h.MarketValue = h.CurrentPrice.Mul(qty)
		h.UnrealizedPnL = h.MarketValue.Sub(h.CostBasis)

		p.Holdings = append(p.Holdings, h)
		p.MarketValue = p.MarketValue.Add(h.MarketValue)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(h.UnrealizedPnL)
	}
	p.TotalValue = p.Balance.Add(p.MarketValue)
	return p, nil
}

// Transactions returns the user's trade history, newest first.
func (e *Engine) Transactions(ctx context.Context, userID string) ([]model.Trade, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, userErr(userID, err)
	}
	trades, err := e.store.ListTrades(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	for i := range trades {
		e.describe(&trades[i])
	}
	return trades, nil
}

func userErr(userID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return fmt.Errorf("load user %s: %w", userID, err)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ErrInstrumentNotFound):
		return "instrument_not_found"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	default:
		return "error"
	}
}
