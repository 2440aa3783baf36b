// Package simulator drives the random walk of instrument prices.
//
// On every tick each instrument moves by a uniform random percentage in
// [-MaxMove, +MaxMove], rounded to cents and floored at model.MinPrice. The
// whole set is applied to market state as one batch and then published.
package simulator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stocktrader/engine/internal/broadcast"
	"github.com/stocktrader/engine/internal/market"
	"github.com/stocktrader/engine/internal/metrics"
	"github.com/stocktrader/engine/internal/model"
)

// Interval is the fixed time between ticks.
const Interval = 3 * time.Second

var (
	// MaxMove bounds the per-tick relative change (5%).
	MaxMove = decimal.RequireFromString("0.05")

	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// PriceBook is the market state the simulator reads and writes.
type PriceBook interface {
	Instruments() []model.Instrument
	ApplyBatch(ctx context.Context, updates []market.PriceChange) (model.PriceBatch, error)
}

// Option customizes a Simulator.
type Option func(*Simulator)

// WithRand replaces the uniform [0,1) source. Used for deterministic tests.
func WithRand(fn func() float64) Option {
	return func(s *Simulator) { s.rand = fn }
}

// withInterval shortens the tick period in tests.
func withInterval(d time.Duration) Option {
	return func(s *Simulator) { s.interval = d }
}

// Simulator owns the periodic price update loop. The zero state is Stopped.
type Simulator struct {
	book     PriceBook
	pub      broadcast.Publisher
	logger   *zap.Logger
	interval time.Duration
	rand     func() float64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped simulator.
func New(book PriceBook, pub broadcast.Publisher, logger *zap.Logger, opts ...Option) *Simulator {
	s := &Simulator{
		book:     book,
		pub:      pub,
		logger:   logger,
		interval: Interval,
		rand:     rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick loop. The first tick runs immediately. Calling
// Start while running is a no-op.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	prev := s.done
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, prev, s.done)

	metrics.SimulationRunning.Set(1)
	s.logger.Info("price simulation started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for an in-flight tick to finish. Calling
// Stop while stopped is a no-op. The wait happens outside the lock, so
// Running reports false as soon as Stop is called.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if cancel == nil {
		s.mu.Unlock()
		return
	}
	// s.done is kept so a following Start waits for this loop to drain.
	s.cancel = nil
	metrics.SimulationRunning.Set(0)
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("price simulation stopped")
}

// Running reports whether the loop is active.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// run drives ticks until ctx is cancelled. prev is the previous loop's done
// channel, if any; ticks never overlap across a Stop/Start pair.
func (s *Simulator) run(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.safeTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safeTick runs one tick, logging failures and recovering panics so the
// loop survives anything a single tick does.
func (s *Simulator) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SimulationTicks.WithLabelValues("error").Inc()
			s.logger.Error("price tick panic recovered", zap.Any("panic", r))
		}
	}()

	// Stop cancels ctx, but a tick that already started runs to completion.
	// It is bounded by one interval so a hung store cannot stall the loop.
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.interval)
	defer cancel()

	if _, err := s.Tick(tickCtx); err != nil {
		s.logger.Error("price tick failed, skipping", zap.Error(err))
	}
}

// Tick perturbs every instrument once, applies the batch and publishes it.
// The batch is not published if applying it fails.
func (s *Simulator) Tick(ctx context.Context) (model.PriceBatch, error) {
	start := time.Now()
	defer func() { metrics.SimulationTickDuration.Observe(time.Since(start).Seconds()) }()

	insts := s.book.Instruments()
	if len(insts) == 0 {
		return model.PriceBatch{}, nil
	}

	changes := make([]market.PriceChange, len(insts))
	for i, inst := range insts {
		changes[i] = market.PriceChange{
			ID:       inst.ID,
			NewPrice: Perturb(inst.CurrentPrice, s.movement()),
		}
	}

	batch, err := s.book.ApplyBatch(ctx, changes)
	if err != nil {
		metrics.SimulationTicks.WithLabelValues("error").Inc()
		return model.PriceBatch{}, fmt.Errorf("apply price batch: %w", err)
	}
	metrics.SimulationTicks.WithLabelValues("ok").Inc()

	s.pub.Publish(batch)
	s.logger.Debug("prices updated",
		zap.Uint64("sequence", batch.Sequence),
		zap.Int("instruments", len(batch.Prices)),
	)
	return batch, nil
}

// movement maps the [0,1) source onto [-MaxMove, +MaxMove).
func (s *Simulator) movement() decimal.Decimal {
	u := decimal.NewFromFloat(s.rand())
	return u.Sub(decimal.NewFromFloat(0.5)).Mul(two).Mul(MaxMove)
}

// Perturb returns round(price * (1 + pct), 2), floored at model.MinPrice.
func Perturb(price, pct decimal.Decimal) decimal.Decimal {
	next := price.Mul(one.Add(pct)).Round(2)
	if next.LessThan(model.MinPrice) {
		return model.MinPrice
	}
	return next
}
