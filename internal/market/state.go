// Package market holds the live price state for every instrument.
//
// Readers load an immutable snapshot through an atomic pointer and never
// take a lock. Writers (the simulator, catalog bootstrap) serialize on a
// short mutex, persist the change, build a fresh snapshot and swap it in,
// so a reader sees a whole batch or none of it.
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocktrader/engine/internal/model"
	"github.com/stocktrader/engine/internal/store"
)

// ErrInstrumentNotFound is returned for an unknown instrument id.
var ErrInstrumentNotFound = errors.New("market: instrument not found")

// PriceChange is one instrument's new price within a batch.
type PriceChange struct {
	ID       string
	NewPrice decimal.Decimal
}

// Snapshot is an immutable view of all instrument prices at one batch
// boundary. Never mutate a Snapshot after it has been published.
type Snapshot struct {
	Sequence    uint64
	instruments map[string]model.Instrument
	ordered     []model.Instrument // by symbol
}

// Instrument returns one instrument from the snapshot.
func (s *Snapshot) Instrument(id string) (model.Instrument, bool) {
	inst, ok := s.instruments[id]
	return inst, ok
}

// Instruments returns a copy of every instrument ordered by symbol.
func (s *Snapshot) Instruments() []model.Instrument {
	out := make([]model.Instrument, len(s.ordered))
	copy(out, s.ordered)
	return out
}

func newSnapshot(seq uint64, insts map[string]model.Instrument) *Snapshot {
	ordered := make([]model.Instrument, 0, len(insts))
	for _, inst := range insts {
		ordered = append(ordered, inst)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Symbol < ordered[j].Symbol })
	return &Snapshot{Sequence: seq, instruments: insts, ordered: ordered}
}

// State is the single source of truth for current and previous prices.
type State struct {
	store store.Store
	now   func() time.Time

	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewState creates an empty state backed by st.
func NewState(st store.Store) *State {
	s := &State{store: st, now: func() time.Time { return time.Now().UTC() }}
	s.current.Store(newSnapshot(0, map[string]model.Instrument{}))
	return s
}

// Load replaces the in-memory snapshot with the instruments held in the store.
func (s *State) Load(ctx context.Context) error {
	list, err := s.store.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	insts := make(map[string]model.Instrument, len(list))
	for _, inst := range list {
		insts[inst.ID] = inst
	}
	s.current.Store(newSnapshot(s.current.Load().Sequence, insts))
	return nil
}

// Snapshot returns the currently published snapshot.
func (s *State) Snapshot() *Snapshot {
	return s.current.Load()
}

// Price returns the current price of an instrument.
func (s *State) Price(id string) (decimal.Decimal, error) {
	inst, ok := s.current.Load().Instrument(id)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInstrumentNotFound, id)
	}
	return inst.CurrentPrice, nil
}

// Instrument returns one instrument from the current snapshot.
func (s *State) Instrument(id string) (model.Instrument, bool) {
	return s.current.Load().Instrument(id)
}

// Instruments lists the current snapshot ordered by symbol.
func (s *State) Instruments() []model.Instrument {
	return s.current.Load().Instruments()
}

// Add persists a new instrument and publishes it.
func (s *State) Add(ctx context.Context, inst model.Instrument) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.store.CreateInstrument(ctx, &inst); err != nil {
		return err
	}

	prev := s.current.Load()
	next := make(map[string]model.Instrument, len(prev.instruments)+1)
	for id, existing := range prev.instruments {
		next[id] = existing
	}
	next[inst.ID] = inst
	s.current.Store(newSnapshot(prev.Sequence, next))
	return nil
}

// ApplyBatch shifts current to previous and installs the new prices for every
// instrument in updates, stamped with one timestamp. The batch is persisted
// first; on failure nothing is published and the error is returned.
func (s *State) ApplyBatch(ctx context.Context, updates []PriceChange) (model.PriceBatch, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.current.Load()
	now := s.now()

	changed := make([]model.Instrument, 0, len(updates))
	for _, u := range updates {
		inst, ok := prev.instruments[u.ID]
		if !ok {
			return model.PriceBatch{}, fmt.Errorf("%w: %s", ErrInstrumentNotFound, u.ID)
		}
		inst.PreviousPrice = inst.CurrentPrice
		inst.CurrentPrice = u.NewPrice
		inst.LastUpdated = now
		changed = append(changed, inst)
	}

	if err := s.store.ApplyPriceBatch(ctx, changed); err != nil {
		return model.PriceBatch{}, fmt.Errorf("persist price batch: %w", err)
	}

	next := make(map[string]model.Instrument, len(prev.instruments))
	for id, inst := range prev.instruments {
		next[id] = inst
	}
	for _, inst := range changed {
		next[inst.ID] = inst
	}
	snap := newSnapshot(prev.Sequence+1, next)
	s.current.Store(snap)

	sort.Slice(changed, func(i, j int) bool { return changed[i].Symbol < changed[j].Symbol })
	return model.PriceBatch{
		Sequence:    snap.Sequence,
		Prices:      changed,
		PublishedAt: now,
	}, nil
}
