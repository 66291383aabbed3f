package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/relay/internal/hub"
)

// Config configures the WebSocket gateway.
type Config struct {
	ReadBufferSize  int           // Upgrader read buffer
	WriteBufferSize int           // Upgrader write buffer
	MaxMessageSize  int64         // Inbound frame size limit
	WriteTimeout    time.Duration // Write deadline per outbound frame
	PingInterval    time.Duration // Interval between keepalive pings
	PongTimeout     time.Duration // Max silence before the read loop gives up
	SendBufferSize  int           // Per-connection outbound queue
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    5 * time.Second,
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		SendBufferSize:  256,
	}
}

// Gateway upgrades HTTP requests and bridges the resulting WebSocket
// connections into the hub.
type Gateway struct {
	cfg      Config
	hub      *hub.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a gateway in front of the given hub.
func New(cfg Config, h *hub.Hub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		cfg:    cfg,
		hub:    h,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// Origin policy is enforced by the gate in front of this
			// service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles a WebSocket upgrade request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(conn, g.cfg, g.logger.With("remote", r.RemoteAddr))
	c.id = g.hub.Register(c)

	g.logger.Debug("websocket connected", "conn_id", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readLoop(g.hub)
}
