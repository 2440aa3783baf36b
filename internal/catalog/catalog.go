// Package catalog handles the instrument catalog: symbol validation, YAML
// catalog files, and bootstrapping an empty store with the catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stocktrader/engine/internal/model"
)

// symbolRegex matches exchange-style tickers: AAPL, BRK.B, GOOGL.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

const maxNameLen = 100

var (
	ErrInvalidSymbol = errors.New("catalog: invalid symbol")
	ErrInvalidName   = errors.New("catalog: invalid name")
	ErrInvalidPrice  = errors.New("catalog: price must be at least 0.01")
	ErrDuplicate     = errors.New("catalog: duplicate symbol")
)

// Entry is one listing in a catalog file.
type Entry struct {
	Symbol string          `yaml:"symbol" json:"symbol"`
	Name   string          `yaml:"name" json:"name"`
	Price  decimal.Decimal `yaml:"price" json:"price"`
}

// Catalog is the top-level shape of a catalog file:
//
//	instruments:
//	  - symbol: AAPL
//	    name: Apple Inc.
//	    price: "150.00"
type Catalog struct {
	Instruments []Entry `yaml:"instruments" json:"instruments"`
}

// Default is the built-in listing used when no catalog file is configured.
func Default() Catalog {
	return Catalog{Instruments: []Entry{
		{Symbol: "AAPL", Name: "Apple Inc.", Price: decimal.RequireFromString("150.00")},
		{Symbol: "GOOGL", Name: "Alphabet Inc.", Price: decimal.RequireFromString("2500.00")},
		{Symbol: "MSFT", Name: "Microsoft Corporation", Price: decimal.RequireFromString("300.00")},
		{Symbol: "AMZN", Name: "Amazon.com Inc.", Price: decimal.RequireFromString("3200.00")},
		{Symbol: "TSLA", Name: "Tesla Inc.", Price: decimal.RequireFromString("800.00")},
	}}
}

// ValidateSymbol checks a ticker against the accepted format.
func ValidateSymbol(symbol string) error {
	if !symbolRegex.MatchString(symbol) {
		return fmt.Errorf("%w: %q (expected 1-10 of A-Z, 0-9, '.')", ErrInvalidSymbol, symbol)
	}
	return nil
}

// Validate checks every entry and rejects duplicate symbols.
func (c Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Instruments))
	for _, e := range c.Instruments {
		if err := ValidateSymbol(e.Symbol); err != nil {
			return err
		}
		if e.Name == "" || len(e.Name) > maxNameLen {
			return fmt.Errorf("%w: %s", ErrInvalidName, e.Symbol)
		}
		if e.Price.LessThan(model.MinPrice) {
			return fmt.Errorf("%w: %s=%s", ErrInvalidPrice, e.Symbol, e.Price)
		}
		if seen[e.Symbol] {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.Symbol)
		}
		seen[e.Symbol] = true
	}
	return nil
}

// Parse decodes and validates YAML catalog data.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data)
}

// Registry is where bootstrapped instruments are registered. market.State
// satisfies it.
type Registry interface {
	Instruments() []model.Instrument
	Add(ctx context.Context, inst model.Instrument) error
}

// Bootstrap registers every catalog entry when the registry is empty and
// returns the number of instruments created. A non-empty registry is left
// untouched so restarts keep the drifted prices.
func Bootstrap(ctx context.Context, reg Registry, c Catalog, logger *zap.Logger) (int, error) {
	if existing := reg.Instruments(); len(existing) > 0 {
		logger.Info("instrument catalog already present", zap.Int("instruments", len(existing)))
		return 0, nil
	}
	if err := c.Validate(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for i, e := range c.Instruments {
		inst := model.Instrument{
			ID:            uuid.New().String(),
			Symbol:        e.Symbol,
			Name:          e.Name,
			CurrentPrice:  e.Price.Round(2),
			PreviousPrice: e.Price.Round(2),
			LastUpdated:   now,
		}
		if err := reg.Add(ctx, inst); err != nil {
			return i, fmt.Errorf("bootstrap %s: %w", e.Symbol, err)
		}
	}
	logger.Info("instrument catalog bootstrapped", zap.Int("instruments", len(c.Instruments)))
	return len(c.Instruments), nil
}
