package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"group-escrow/internal/domain"
	"group-escrow/internal/observability"
)

// NotificationMethod is the JSON-RPC method name of streamed notifications.
const NotificationMethod = "escrowNotification"

// HubConfig configures the WebSocket hub.
type HubConfig struct {
	// SendBuffer is the number of messages queued per subscriber before it is dropped.
	SendBuffer int
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is how long a subscriber may stay silent (no pong) before it is dropped.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultHubConfig returns default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:   256,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Hub streams notifications to WebSocket subscribers. Subscribers connect to
// its HTTP handler, optionally with ?pool_id=N to receive a single pool.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn      *websocket.Conn
	send      chan []byte
	poolID    uint64 // 0 = all pools
	done      chan struct{}
	closeOnce sync.Once
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// NewHub creates a hub. A nil config uses DefaultHubConfig.
func NewHub(config *HubConfig, logger *log.Logger) *Hub {
	cfg := DefaultHubConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[notify] ", log.LstdFlags)
	}
	return &Hub{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
}

// wsMessage is the frame sent for each notification.
type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  wsMessageParams `json:"params"`
}

type wsMessageParams struct {
	Result domain.Notification `json:"result"`
}

// ServeHTTP upgrades the request and streams notifications until the
// subscriber disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var poolID uint64
	if raw := r.URL.Query().Get("pool_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid pool_id", http.StatusBadRequest)
			return
		}
		poolID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	c := &hubClient{
		conn:   conn,
		send:   make(chan []byte, h.config.SendBuffer),
		poolID: poolID,
		done:   make(chan struct{}),
	}
	if !h.register(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) register(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	observability.UpdateWSSubscribers(len(h.clients))
	return true
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	observability.UpdateWSSubscribers(n)
	c.close()
}

// readLoop consumes control frames so pongs extend the read deadline.
func (h *Hub) readLoop(c *hubClient) {
	defer h.unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only writer on c.conn.
func (h *Hub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish implements Notifier. Subscribers whose send buffer is full are
// disconnected rather than allowed to stall the publisher.
func (h *Hub) Publish(_ context.Context, batch []domain.Notification) error {
	if len(batch) == 0 {
		return nil
	}

	frames := make([][]byte, len(batch))
	for i, n := range batch {
		msg, err := json.Marshal(wsMessage{
			JSONRPC: "2.0",
			Method:  NotificationMethod,
			Params:  wsMessageParams{Result: n},
		})
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}
		frames[i] = msg
	}

	h.mu.RLock()
	var slow []*hubClient
	for c := range h.clients {
	deliver:
		for i, n := range batch {
			if c.poolID != 0 && c.poolID != n.PoolID {
				continue
			}
			select {
			case c.send <- frames[i]:
			default:
				slow = append(slow, c)
				break deliver
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Printf("dropping slow subscriber %s", c.conn.RemoteAddr())
		c.close()
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Verify interface compliance at compile time.
var _ Notifier = (*Hub)(nil)
