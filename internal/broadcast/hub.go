// Package broadcast fans price batches out to subscribed sessions.
//
// Every session owns a bounded queue. Publish never waits on a session: when
// a queue is full the oldest undelivered batch is discarded to make room.
// Transports (WebSocket, SSE, long-poll) sit on top of a Subscription.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/stocktrader/engine/internal/metrics"
	"github.com/stocktrader/engine/internal/model"
)

// DefaultQueueSize is the per-session buffer used by NewHub.
const DefaultQueueSize = 16

// Publisher accepts price batches for delivery.
type Publisher interface {
	Publish(batch model.PriceBatch)
}

// Distributor manages session membership and delivers batches to members.
type Distributor interface {
	Publisher
	Subscribe(sessionID string) *Subscription
	Unsubscribe(sessionID string)
}

// Subscription is one session's view of the price stream.
type Subscription struct {
	sessionID string
	ch        chan model.PriceBatch

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// SessionID returns the id the subscription was registered under.
func (s *Subscription) SessionID() string { return s.sessionID }

// C delivers batches in publish order. It is closed when the session is
// unsubscribed or replaced.
func (s *Subscription) C() <-chan model.PriceBatch { return s.ch }

// Dropped reports how many batches were discarded for this session.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer enqueues batch, evicting the oldest queued batch when full.
// Reports whether an eviction happened.
func (s *Subscription) offer(batch model.PriceBatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- batch:
		return false
	default:
	}

	// Full: drop oldest. The reader may drain concurrently, so the
	// eviction itself is best-effort and the retry cannot block.
	evicted := false
	select {
	case <-s.ch:
		evicted = true
	default:
	}
	select {
	case s.ch <- batch:
	default:
		evicted = true
	}
	if evicted {
		s.dropped++
	}
	return evicted
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub is the in-process Distributor.
type Hub struct {
	logger    *zap.Logger
	queueSize int

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewHub creates a hub with DefaultQueueSize per session.
func NewHub(logger *zap.Logger) *Hub {
	return NewHubWithQueueSize(logger, DefaultQueueSize)
}

// NewHubWithQueueSize creates a hub with a custom per-session buffer.
func NewHubWithQueueSize(logger *zap.Logger, size int) *Hub {
	if size < 1 {
		size = 1
	}
	return &Hub{
		logger:    logger,
		queueSize: size,
		subs:      make(map[string]*Subscription),
	}
}

// Subscribe registers sessionID. Only batches published after Subscribe
// returns are delivered. An existing subscription for the same id is closed
// and replaced.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan model.PriceBatch, h.queueSize),
	}

	h.mu.Lock()
	old := h.subs[sessionID]
	h.subs[sessionID] = sub
	total := len(h.subs)
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	metrics.Subscribers.Set(float64(total))
	h.logger.Debug("session subscribed", zap.String("session", sessionID), zap.Int("total", total))
	return sub
}

// Unsubscribe removes sessionID and closes its channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(sessionID string) {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	if ok {
		delete(h.subs, sessionID)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	metrics.Subscribers.Set(float64(total))
	h.logger.Debug("session unsubscribed", zap.String("session", sessionID), zap.Int("total", total))
}

// Len returns the number of subscribed sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers batch to every current session without blocking.
func (h *Hub) Publish(batch model.PriceBatch) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if sub.offer(batch) {
			metrics.DroppedBatches.Inc()
			h.logger.Debug("dropped oldest batch for slow session",
				zap.String("session", sub.sessionID),
				zap.Uint64("sequence", batch.Sequence),
			)
		}
	}
}
