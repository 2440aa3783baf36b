package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stocktrader/engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// PriceUpdateType is the frame type carrying a price batch.
const PriceUpdateType = "PriceUpdate"

// Frame is a JSON message sent to WebSocket clients.
type Frame struct {
	Type        string             `json:"type"`
	Sequence    uint64             `json:"sequence"`
	PublishedAt time.Time          `json:"published_at"`
	Prices      []model.Instrument `json:"prices"`
}

// ClientRequest is a control message sent by WebSocket clients:
// {"op":"subscribe"} or {"op":"unsubscribe"}.
type ClientRequest struct {
	Op string `json:"op"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS is enforced by the router.
	},
}

// WSHandler exposes a Distributor over WebSocket. Each connection becomes
// one session and is subscribed on connect.
type WSHandler struct {
	dist   Distributor
	logger *zap.Logger
}

// NewWSHandler creates a WebSocket transport for dist.
func NewWSHandler(dist Distributor, logger *zap.Logger) *WSHandler {
	return &WSHandler{dist: dist, logger: logger}
}

type wsClient struct {
	id      string
	conn    *websocket.Conn
	dist    Distributor
	logger  *zap.Logger
	control chan *Subscription // nil value means unsubscribed

	// done is closed by whichever pump exits first.
	done      chan struct{}
	closeOnce sync.Once
}

// ServeHTTP handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := newWSClient(uuid.New().String(), conn, h.dist, h.logger)
	sub := h.dist.Subscribe(c.id)
	h.logger.Info("ws client connected", zap.String("session", c.id), zap.String("remote", conn.RemoteAddr().String()))

	go c.writePump(sub)
	go c.readPump()
}

func newWSClient(id string, conn *websocket.Conn, dist Distributor, logger *zap.Logger) *wsClient {
	return &wsClient{
		id:      id,
		conn:    conn,
		dist:    dist,
		logger:  logger,
		control: make(chan *Subscription),
		done:    make(chan struct{}),
	}
}

// shutdown closes the connection and releases the other pump.
func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump handles control messages and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.dist.Unsubscribe(c.id)
		c.shutdown()
		c.logger.Info("ws client disconnected", zap.String("session", c.id))
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws read error", zap.String("session", c.id), zap.Error(err))
			}
			return
		}

		var req ClientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Debug("ws invalid message", zap.String("session", c.id), zap.Error(err))
			continue
		}

		switch req.Op {
		case "subscribe":
			c.setSubscription(c.dist.Subscribe(c.id))
		case "unsubscribe":
			c.dist.Unsubscribe(c.id)
			c.setSubscription(nil)
		default:
			c.logger.Debug("ws unknown op", zap.String("session", c.id), zap.String("op", req.Op))
		}
	}
}

func (c *wsClient) setSubscription(sub *Subscription) {
	select {
	case c.control <- sub:
	case <-c.done:
	}
}

// writePump forwards batches from the current subscription and keeps the
// connection alive with pings.
func (c *wsClient) writePump(sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Closing the conn also fails readPump's next read, which unsubscribes.
		c.shutdown()
	}()

	var batches <-chan model.PriceBatch
	if sub != nil {
		batches = sub.C()
	}

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				// Unsubscribed or replaced; wait for the next control message.
				batches = nil
				continue
			}
			frame := Frame{
				Type:        PriceUpdateType,
				Sequence:    batch.Sequence,
				PublishedAt: batch.PublishedAt,
				Prices:      batch.Prices,
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}

		case next := <-c.control:
			batches = nil
			if next != nil {
				batches = next.C()
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
