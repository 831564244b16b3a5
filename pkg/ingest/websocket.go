package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Allow same-origin requests, or requests with no Origin header
		// No Origin header = direct connection (non-browser clients like curl, testing tools)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// wsClient is one live-table subscriber. An empty device receives every
// reading.
type wsClient struct {
	conn   *websocket.Conn
	device string
}

type wsMessage struct {
	device string
	data   []byte
}

// ReadingsHub fans accepted readings out to WebSocket clients.
type ReadingsHub struct {
	// Registered clients
	clients map[*wsClient]bool

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsMessage

	// done is closed when Run returns, releasing handlers blocked on
	// register or unregister.
	done chan struct{}

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewReadingsHub creates a new WebSocket hub.
func NewReadingsHub(logger *slog.Logger) *ReadingsHub {
	return &ReadingsHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient, config.WSChannelBuffer),
		unregister: make(chan *wsClient, config.WSChannelBuffer),
		broadcast:  make(chan wsMessage, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		logger:     logging.OrNop(logger).With("component", "websocket"),
	}
}

// Run starts the hub's main loop. It must be called at most once.
func (h *ReadingsHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", "device_filter", c.device, "clients", count)
		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", "clients", count)
		case msg := <-h.broadcast:
			h.mu.RLock()
			// Collect failed connections to unregister after releasing lock
			var failed []*wsClient
			for c := range h.clients {
				if c.device != "" && c.device != msg.device {
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					h.logger.Warn("WebSocket write failed", "error", err)
					failed = append(failed, c)
				}
			}
			h.mu.RUnlock()

			// Removed here rather than through unregister: Run is the only
			// reader of that channel.
			if len(failed) > 0 {
				h.mu.Lock()
				for _, c := range failed {
					h.removeLocked(c)
				}
				count := len(h.clients)
				h.mu.Unlock()
				h.logger.Info("dropped failed WebSocket clients", "dropped", len(failed), "clients", count)
			}
		}
	}
}

// closeAll closes every registered client and any still waiting in the
// register buffer.
func (h *ReadingsHub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close()
	}
	clear(h.clients)
	h.mu.Unlock()

	for {
		select {
		case c := <-h.register:
			c.conn.Close()
		default:
			return
		}
	}
}

// removeLocked forgets c and closes its connection. MUST be called with mu
// held.
func (h *ReadingsHub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
}

// Publish queues an accepted reading for broadcast. It never blocks; when
// the broadcast buffer is full the reading is dropped. It satisfies Observer.
func (h *ReadingsHub) Publish(res Result) {
	if !h.HasClients() {
		return
	}
	data, err := json.Marshal(res.Reading)
	if err != nil {
		h.logger.Error("encoding reading for broadcast", "error", err)
		return
	}
	select {
	case h.broadcast <- wsMessage{device: res.Reading.DeviceID, data: data}:
	default:
		h.logger.Debug("broadcast channel full, dropping reading", "device_id", res.Reading.DeviceID)
	}
}

// HasClients returns true if there are any connected WebSocket clients
func (h *ReadingsHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket upgrades GET /v1/ws. The optional device query parameter
// limits the stream to one meter.
func (h *ReadingsHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, device: r.URL.Query().Get("device")}
	select {
	case <-h.done:
		conn.Close()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// Create context for managing goroutine lifecycle
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Start ping sender to keep connection alive
	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// Read messages (mostly for handling control frames)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error", "error", err)
			}
			return
		}
	}
}
