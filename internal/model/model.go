// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// MinPrice is the lowest price an instrument may ever carry.
var MinPrice = decimal.RequireFromString("0.01")

// Instrument is a tradable simulated equity. Price fields are written only by
// the price simulator; instruments are never deleted.
type Instrument struct {
	ID            string          `json:"id" db:"id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Name          string          `json:"name" db:"name"`
	CurrentPrice  decimal.Decimal `json:"current_price" db:"current_price"`
	PreviousPrice decimal.Decimal `json:"previous_price" db:"previous_price"`
	LastUpdated   time.Time       `json:"last_updated" db:"last_updated"`
}

// User holds a cash balance. The balance never goes negative and is only
// mutated by the ledger while executing a trade.
type User struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's holding in one instrument. Unique per
// (UserID, InstrumentID); removed once Quantity reaches zero.
type Position struct {
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost" db:"average_cost"`
	LastUpdated  time.Time       `json:"last_updated" db:"last_updated"`
}

// Trade is an immutable record of an executed buy or sell.
// Once created, these are never modified or deleted.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`

	// Filled from market state when returned to callers; not persisted.
	Symbol string `json:"symbol,omitempty" db:"-"`
	Name   string `json:"name,omitempty" db:"-"`
}

// PriceBatch is the full set of instrument prices produced by one
// simulation tick.
type PriceBatch struct {
	Sequence    uint64       `json:"sequence"`
	Prices      []Instrument `json:"prices"`
	PublishedAt time.Time    `json:"published_at"`
}

// Holding is a position marked to the instrument's current price.
type Holding struct {
	Position
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`   // quantity * currentPrice
	CostBasis     decimal.Decimal `json:"cost_basis"`     // quantity * averageCost
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // marketValue - costBasis
}

// Portfolio aggregates a user's cash and holdings.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	Holdings      []Holding       `json:"holdings"`
	MarketValue   decimal.Decimal `json:"market_value"`
	TotalValue    decimal.Decimal `json:"total_value"` // balance + marketValue
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}
