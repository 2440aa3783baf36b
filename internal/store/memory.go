package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stocktrader/engine/internal/model"
)

type positionKey struct {
	userID       string
	instrumentID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	users       map[string]*model.User
	positions   map[positionKey]*model.Position
	trades      []model.Trade

	// failCommit, when set, makes CommitTrade return it without writing.
	failCommit error
	// failBatch, when set, makes ApplyPriceBatch return it without writing.
	failBatch error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
		users:       make(map[string]*model.User),
		positions:   make(map[positionKey]*model.Position),
	}
}

// FailCommits makes subsequent CommitTrade calls fail with err (nil resets).
func (s *MemoryStore) FailCommits(err error) {
	s.mu.Lock()
	s.failCommit = err
	s.mu.Unlock()
}

// FailPriceBatches makes subsequent ApplyPriceBatch calls fail with err (nil resets).
func (s *MemoryStore) FailPriceBatches(err error) {
	s.mu.Lock()
	s.failBatch = err
	s.mu.Unlock()
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instruments {
		if existing.Symbol == inst.Symbol {
			return fmt.Errorf("instrument %s: %w", inst.Symbol, ErrConflict)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *inst
	s.instruments[inst.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) ApplyPriceBatch(_ context.Context, prices []model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failBatch != nil {
		return s.failBatch
	}
	// Validate every id first so a bad batch writes nothing.
	for _, p := range prices {
		if _, ok := s.instruments[p.ID]; !ok {
			return fmt.Errorf("instrument %s: %w", p.ID, ErrNotFound)
		}
	}
	for _, p := range prices {
		inst := s.instruments[p.ID]
		inst.CurrentPrice = p.CurrentPrice
		inst.PreviousPrice = p.PreviousPrice
		inst.LastUpdated = p.LastUpdated
	}
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("username %s: %w", u.Username, ErrConflict)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, instrumentID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{userID, instrumentID}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, instrumentID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	// Newest first: walk the append-only log backwards.
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID == userID {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

// CommitTrade applies the whole commit under a single write lock, so readers
// never observe a debited balance without the matching position and trade.
func (s *MemoryStore) CommitTrade(_ context.Context, c *TradeCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCommit != nil {
		return s.failCommit
	}
	u, ok := s.users[c.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", c.UserID, ErrNotFound)
	}

	u.Balance = c.NewBalance
	key := positionKey{c.UserID, c.InstrumentID}
	if c.DeletePosition {
		delete(s.positions, key)
	} else if c.Position != nil {
		cp := *c.Position
		s.positions[key] = &cp
	}
	s.trades = append(s.trades, c.Trade)
	return nil
}
