package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/relay/internal/hub"
)

// ErrSendBufferFull is returned when a connection's outbound queue is
// full and the frame is dropped. Delivery is fire-and-forget; the hub
// logs and moves on.
var ErrSendBufferFull = errors.New("send buffer full")

// client is one upgraded WebSocket connection. It implements hub.Sender
// with a non-blocking buffered queue drained by writePump, so the hub
// never blocks on transport I/O.
type client struct {
	cfg    Config
	conn   *websocket.Conn
	logger *slog.Logger
	id     hub.ConnID

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, cfg Config, logger *slog.Logger) *client {
	return &client{
		cfg:    cfg,
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// Send queues one frame for delivery. Safe to call after the connection
// has closed: it becomes a no-op rather than an error.
func (c *client) Send(data []byte) error {
	if c.closed.Load() {
		return nil
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// readLoop consumes inbound frames and feeds them to the hub. It owns
// the connection's registration: when the loop exits for any reason the
// connection is unregistered and torn down.
func (c *client) readLoop(h *hub.Hub) {
	defer func() {
		h.Unregister(c.id)
		c.close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}

		h.HandleMessage(c.id, data)
	}
}

// writePump drains the outbound queue onto the wire and keeps the
// connection alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write error", "conn_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("websocket ping failed", "conn_id", c.id, "error", err)
				return
			}

		case <-c.done:
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

// close marks the client closed and tears down the transport. Idempotent.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.conn.Close()
	})
}
