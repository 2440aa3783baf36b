package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stocktrader/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// User rows and single positions are never cached: the ledger reads them
// inside its per-user critical section and must see committed values.
//
// A user's position and trade lists are cached under a per-user version.
// CommitTrade bumps the version, so a read that fetched from the primary
// before the commit refills a key nobody reads any more.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Ping checks both the primary and Redis.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return err
	}
	return s.rdb.Ping(ctx).Err()
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.rdb.Del(ctx, instrumentListKey)
	s.setJSON(ctx, instrumentKey(inst.ID), inst)
	return nil
}

func (s *CachedStore) ApplyPriceBatch(ctx context.Context, prices []model.Instrument) error {
	if err := s.primary.ApplyPriceBatch(ctx, prices); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	keys := make([]string, 0, len(prices)+1)
	keys = append(keys, instrumentListKey)
	for _, p := range prices {
		keys = append(keys, instrumentKey(p.ID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) CommitTrade(ctx context.Context, c *TradeCommit) error {
	if err := s.primary.CommitTrade(ctx, c); err != nil {
		return err
	}
	if ver, ok := s.version(ctx, c.UserID); ok {
		s.rdb.Del(ctx, positionsKey(c.UserID, ver), tradesKey(c.UserID, ver))
	}
	s.rdb.Incr(ctx, cacheVersionKey(c.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var inst model.Instrument
	if s.getJSON(ctx, instrumentKey(id), &inst) {
		return &inst, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, instrumentKey(id), got)
	return got, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	var list []model.Instrument
	if s.getJSON(ctx, instrumentListKey, &list) {
		return list, nil
	}

	list, err := s.primary.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, instrumentListKey, list)
	return list, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	// The version is read before the primary so a concurrent commit
	// moves readers off whatever this call caches.
	ver, cacheable := s.version(ctx, userID)
	var positions []model.Position
	if cacheable && s.getJSON(ctx, positionsKey(userID, ver), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.setJSON(ctx, positionsKey(userID, ver), positions)
	}
	return positions, nil
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	ver, cacheable := s.version(ctx, userID)
	var trades []model.Trade
	if cacheable && s.getJSON(ctx, tradesKey(userID, ver), &trades) {
		return trades, nil
	}

	trades, err := s.primary.ListTrades(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.setJSON(ctx, tradesKey(userID, ver), trades)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, instrumentID)
}

// --- Cache helpers ---

// version returns the user's current cache version. A missing key is
// version 0; ok is false when Redis cannot answer.
func (s *CachedStore) version(ctx context.Context, userID string) (int64, bool) {
	ver, err := s.rdb.Get(ctx, cacheVersionKey(userID)).Int64()
	switch {
	case err == nil:
		return ver, true
	case errors.Is(err, redis.Nil):
		return 0, true
	default:
		return 0, false
	}
}

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const instrumentListKey = "instruments"

func instrumentKey(id string) string { return fmt.Sprintf("instrument:%s", id) }
func cacheVersionKey(uid string) string { return fmt.Sprintf("cachever:%s", uid) }
func positionsKey(uid string, ver int64) string { return fmt.Sprintf("positions:%s:v%d", uid, ver) }
func tradesKey(uid string, ver int64) string { return fmt.Sprintf("trades:%s:v%d", uid, ver) }
