// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for development and testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stocktrader/engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a row violates a uniqueness constraint.
	ErrConflict = errors.New("store: already exists")
)

// TradeCommit is everything one executed trade changes. It is applied as a
// single atomic unit: either every field lands or none does.
type TradeCommit struct {
	UserID     string
	NewBalance decimal.Decimal

	// Position is the post-trade row. When DeletePosition is set the row
	// identified by (UserID, InstrumentID) is removed instead.
	InstrumentID   string
	Position       *model.Position
	DeletePosition bool

	Trade model.Trade
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// --- Instruments ---

	// CreateInstrument persists a new instrument.
	CreateInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by its ID.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// ListInstruments returns all instruments ordered by symbol.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// ApplyPriceBatch writes the price fields of every given instrument in
	// one atomic step.
	ApplyPriceBatch(ctx context.Context, prices []model.Instrument) error

	// --- Users ---

	// CreateUser persists a new user.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Positions ---

	// GetPosition returns the (user, instrument) position or ErrNotFound.
	GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error)

	// ListPositions returns all open positions for a user.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Immutable trade history ---

	// ListTrades returns a user's trades, newest first.
	ListTrades(ctx context.Context, userID string) ([]model.Trade, error)

	// CommitTrade atomically updates the balance, upserts or deletes the
	// position and appends the trade record.
	CommitTrade(ctx context.Context, c *TradeCommit) error
}
