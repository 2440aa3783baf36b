package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stocktrader/engine/internal/market"
	"github.com/stocktrader/engine/internal/model"
	"github.com/stocktrader/engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	engine *Engine
	state  *market.State
	store  *store.MemoryStore
	users  int
}

// newTestEnv builds a ledger over an in-memory store with AAPL at 100.00 and
// MSFT at 50.00.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	st := market.NewState(ms)
	for _, inst := range []model.Instrument{
		{ID: "aapl", Symbol: "AAPL", Name: "Apple Inc.", CurrentPrice: d("100.00"), PreviousPrice: d("100.00")},
		{ID: "msft", Symbol: "MSFT", Name: "Microsoft Corporation", CurrentPrice: d("50.00"), PreviousPrice: d("50.00")},
	} {
		require.NoError(t, st.Add(context.Background(), inst))
	}
	return &testEnv{engine: NewEngine(ms, st, zap.NewNop()), state: st, store: ms}
}

func (env *testEnv) user(t *testing.T, balance string) string {
	t.Helper()
	b := d(balance)
	env.users++
	u, err := env.engine.CreateUser(context.Background(), fmt.Sprintf("trader%d", env.users), &b)
	require.NoError(t, err)
	return u.ID
}

func (env *testEnv) setPrice(t *testing.T, instrumentID, price string) {
	t.Helper()
	_, err := env.state.ApplyBatch(context.Background(), []market.PriceChange{{ID: instrumentID, NewPrice: d(price)}})
	require.NoError(t, err)
}

func (env *testEnv) balance(t *testing.T, userID string) string {
	t.Helper()
	u, err := env.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance.String()
}

func (env *testEnv) position(t *testing.T, userID, instrumentID string) *model.Position {
	t.Helper()
	p, err := env.store.GetPosition(context.Background(), userID, instrumentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return p
}

func (env *testEnv) tradeCount(t *testing.T, userID string) int {
	t.Helper()
	trades, err := env.store.ListTrades(context.Background(), userID)
	require.NoError(t, err)
	return len(trades)
}

// --- Buy ---

func TestBuy_OpensPositionAndDebits(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")

	tr, err := env.engine.Buy(context.Background(), uid, "aapl", 10)
	require.NoError(t, err)

	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, model.SideBuy, tr.Side)
	assert.Equal(t, int64(10), tr.Quantity)
	assert.Equal(t, "100", tr.Price.String())
	assert.Equal(t, "1000", tr.TotalAmount.String())
	assert.Equal(t, "AAPL", tr.Symbol)
	assert.Equal(t, "Apple Inc.", tr.Name)

	assert.Equal(t, "9000", env.balance(t, uid))
	pos := env.position(t, uid, "aapl")
	require.NotNil(t, pos)
	assert.Equal(t, int64(10), pos.Quantity)
	assert.Equal(t, "100", pos.AverageCost.String())
	assert.Equal(t, 1, env.tradeCount(t, uid))
}

func TestBuy_WeightedAverageCost(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")

	_, err := env.engine.Buy(context.Background(), uid, "aapl", 10)
	require.NoError(t, err)

	env.setPrice(t, "aapl", "120.00")
	tr, err := env.engine.Buy(context.Background(), uid, "aapl", 10)
	require.NoError(t, err)
	assert.Equal(t, "120", tr.Price.String())

	pos := env.position(t, uid, "aapl")
	require.NotNil(t, pos)
	assert.Equal(t, int64(20), pos.Quantity)
	assert.Equal(t, "110", pos.AverageCost.String())
	assert.Equal(t, "7800", env.balance(t, uid))
}

func TestBuy_PositionQuantityCannotOverflow(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "1e30")

	_, err := env.engine.Buy(context.Background(), uid, "msft", math.MaxInt64)
	require.NoError(t, err)
	before := env.balance(t, uid)

	_, err = env.engine.Buy(context.Background(), uid, "msft", 1)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	pos := env.position(t, uid, "msft")
	require.NotNil(t, pos)
	assert.Equal(t, int64(math.MaxInt64), pos.Quantity)
	assert.Equal(t, "50", pos.AverageCost.String())
	assert.Equal(t, before, env.balance(t, uid))
	assert.Equal(t, 1, env.tradeCount(t, uid))
}

func TestBuy_ExactBalanceAllowed(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "1000.00")

	_, err := env.engine.Buy(context.Background(), uid, "aapl", 10)
	require.NoError(t, err)
	assert.True(t, d(env.balance(t, uid)).IsZero())
}

func TestBuy_InsufficientFundsChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "500.00")

	_, err := env.engine.Buy(context.Background(), uid, "aapl", 10)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, "500", env.balance(t, uid))
	assert.Nil(t, env.position(t, uid, "aapl"))
	assert.Zero(t, env.tradeCount(t, uid))
}

// --- Sell ---

func TestSell_KeepsAverageCost(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")

	_, err := env.engine.Buy(context.Background(), uid, "aapl", 10)
	require.NoError(t, err)

	env.setPrice(t, "aapl", "130.00")
	tr, err := env.engine.Sell(context.Background(), uid, "aapl", 4)
	require.NoError(t, err)
	assert.Equal(t, model.SideSell, tr.Side)
	assert.Equal(t, "520", tr.TotalAmount.String())

	pos := env.position(t, uid, "aapl")
	require.NotNil(t, pos)
	assert.Equal(t, int64(6), pos.Quantity)
	assert.Equal(t, "100", pos.AverageCost.String())
	assert.Equal(t, "9520", env.balance(t, uid))
}

func TestSell_AllRemovesPosition(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")

	_, err := env.engine.Buy(context.Background(), uid, "msft", 3)
	require.NoError(t, err)
	_, err = env.engine.Sell(context.Background(), uid, "msft", 3)
	require.NoError(t, err)

	assert.Nil(t, env.position(t, uid, "msft"))
	assert.Equal(t, "10000", env.balance(t, uid))
	assert.Equal(t, 2, env.tradeCount(t, uid))
}

func TestSell_InsufficientHoldings(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")

	// No position at all.
	_, err := env.engine.Sell(context.Background(), uid, "aapl", 1)
	require.ErrorIs(t, err, ErrInsufficientHoldings)

	_, err = env.engine.Buy(context.Background(), uid, "aapl", 2)
	require.NoError(t, err)
	_, err = env.engine.Sell(context.Background(), uid, "aapl", 3)
	require.ErrorIs(t, err, ErrInsufficientHoldings)

	assert.Equal(t, int64(2), env.position(t, uid, "aapl").Quantity)
	assert.Equal(t, "9800", env.balance(t, uid))
	assert.Equal(t, 1, env.tradeCount(t, uid))
}

// --- Validation ---

func TestTrade_InvalidQuantity(t *testing.T) {
	env := newTestEnv(t)
	for _, qty := range []int64{0, -1} {
		// Checked before the user or instrument is looked up.
		_, err := env.engine.Buy(context.Background(), "nobody", "nothing", qty)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
		_, err = env.engine.Sell(context.Background(), "nobody", "nothing", qty)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	}
}

func TestTrade_UnknownInstrumentAndUser(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")

	_, err := env.engine.Buy(context.Background(), uid, "nope", 1)
	assert.ErrorIs(t, err, ErrInstrumentNotFound)
	_, err = env.engine.Sell(context.Background(), uid, "nope", 1)
	assert.ErrorIs(t, err, ErrInstrumentNotFound)

	_, err = env.engine.Buy(context.Background(), "ghost", "aapl", 1)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = env.engine.Sell(context.Background(), "ghost", "aapl", 1)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestTrade_CommitFailureLeavesNothing(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")
	_, err := env.engine.Buy(context.Background(), uid, "aapl", 5)
	require.NoError(t, err)

	boom := errors.New("disk full")
	env.store.FailCommits(boom)

	_, err = env.engine.Buy(context.Background(), uid, "aapl", 5)
	require.ErrorIs(t, err, boom)
	_, err = env.engine.Sell(context.Background(), uid, "aapl", 5)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, "9500", env.balance(t, uid))
	assert.Equal(t, int64(5), env.position(t, uid, "aapl").Quantity)
	assert.Equal(t, 1, env.tradeCount(t, uid))

	env.store.FailCommits(nil)
	_, err = env.engine.Sell(context.Background(), uid, "aapl", 5)
	require.NoError(t, err)
}

// --- Concurrency ---

func TestBuy_ConcurrentNoDoubleSpend(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "1000.00") // affords exactly 10 AAPL

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Buy(context.Background(), uid, "aapl", 1)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(15), rejected.Load())
	assert.True(t, d(env.balance(t, uid)).IsZero())
	assert.Equal(t, int64(10), env.position(t, uid, "aapl").Quantity)
	assert.Equal(t, 10, env.tradeCount(t, uid))
	assert.Zero(t, env.engine.locks.size())
}

func TestSell_ConcurrentNeverOversells(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")
	_, err := env.engine.Buy(context.Background(), uid, "msft", 8)
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.engine.Sell(context.Background(), uid, "msft", 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), ok.Load())
	assert.Nil(t, env.position(t, uid, "msft"))
	assert.Equal(t, "10000", env.balance(t, uid))
}

func TestTrade_UsersDoNotBlockEachOther(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "10000.00")
	bob := env.user(t, "10000.00")

	unlock, err := env.engine.locks.acquire(context.Background(), alice)
	require.NoError(t, err)
	defer unlock()

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Buy(context.Background(), bob, "aapl", 1)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bob blocked on alice's lock")
	}
}

func TestTrade_SameUserWaitsAndHonorsContext(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")

	unlock, err := env.engine.locks.acquire(context.Background(), uid)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = env.engine.Buy(ctx, uid, "aapl", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, env.tradeCount(t, uid))

	unlock()
	_, err = env.engine.Buy(context.Background(), uid, "aapl", 1)
	require.NoError(t, err)
	assert.Zero(t, env.engine.locks.size())
}

// --- Views ---

func TestPortfolio_MarksToMarket(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")

	_, err := env.engine.Buy(context.Background(), uid, "aapl", 10) // 1000
	require.NoError(t, err)
	_, err = env.engine.Buy(context.Background(), uid, "msft", 4) // 200
	require.NoError(t, err)
	env.setPrice(t, "aapl", "110.00")

	p, err := env.engine.Portfolio(context.Background(), uid)
	require.NoError(t, err)

	assert.Equal(t, "8800", p.Balance.String())
	require.Len(t, p.Holdings, 2)

	aapl := p.Holdings[0]
	assert.Equal(t, "AAPL", aapl.Symbol)
	assert.Equal(t, "1100", aapl.MarketValue.String())
	assert.Equal(t, "1000", aapl.CostBasis.String())
	assert.Equal(t, "100", aapl.UnrealizedPnL.String())

	assert.Equal(t, "1300", p.MarketValue.String())
	assert.Equal(t, "10100", p.TotalValue.String())
	assert.Equal(t, "100", p.UnrealizedPnL.String())
}

func TestPortfolio_EmptyAndUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "250.00")

	p, err := env.engine.Portfolio(context.Background(), uid)
	require.NoError(t, err)
	assert.NotNil(t, p.Holdings)
	assert.Empty(t, p.Holdings)
	assert.Equal(t, "250", p.TotalValue.String())

	_, err = env.engine.Portfolio(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestTransactions_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	uid := env.user(t, "10000.00")

	_, err := env.engine.Buy(context.Background(), uid, "aapl", 1)
	require.NoError(t, err)
	_, err = env.engine.Buy(context.Background(), uid, "msft", 2)
	require.NoError(t, err)
	_, err = env.engine.Sell(context.Background(), uid, "aapl", 1)
	require.NoError(t, err)

	trades, err := env.engine.Transactions(context.Background(), uid)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, model.SideSell, trades[0].Side)
	assert.Equal(t, "msft", trades[1].InstrumentID)
	assert.Equal(t, "MSFT", trades[1].Symbol)
	assert.Equal(t, "Microsoft Corporation", trades[1].Name)
	assert.Equal(t, "aapl", trades[2].InstrumentID)
	assert.Equal(t, "AAPL", trades[2].Symbol)
	assert.Greater(t, trades[0].ID, trades[2].ID, "trade ids sort by creation")

	_, err = env.engine.Transactions(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

// --- Users ---

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)

	u, err := env.engine.CreateUser(context.Background(), "  alice ", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "10000", u.Balance.String())

	got, err := env.engine.User(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = env.engine.CreateUser(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = env.engine.CreateUser(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidUser)

	neg := d("-1")
	_, err = env.engine.CreateUser(context.Background(), "bob", &neg)
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = env.engine.User(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateUser_ConfiguredInitialBalance(t *testing.T) {
	env := newTestEnv(t)
	e := NewEngine(env.store, env.state, zap.NewNop(), WithInitialBalance(d("2500.50")))

	u, err := e.CreateUser(context.Background(), "carol", nil)
	require.NoError(t, err)
	assert.Equal(t, "2500.5", u.Balance.String())
}
