package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"group-escrow/internal/domain"
)

// SubscriberConfig configures WebSocket subscriber behavior.
type SubscriberConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// Buffer is the capacity of the notification channel.
	Buffer int
}

// DefaultSubscriberConfig returns default subscriber configuration.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		Buffer:            1024,
	}
}

// Subscriber consumes a Hub's notification stream, reconnecting with
// exponential backoff when the connection drops.
type Subscriber struct {
	endpoint string
	config   SubscriberConfig

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	out  chan domain.Notification
	done chan struct{}
	wg   sync.WaitGroup
}

// Subscribe connects to a hub at endpoint (ws:// or wss://). A non-zero
// poolID limits the stream to that pool.
func Subscribe(ctx context.Context, endpoint string, poolID uint64, config *SubscriberConfig) (*Subscriber, error) {
	cfg := DefaultSubscriberConfig()
	if config != nil {
		cfg = *config
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if poolID != 0 {
		q := u.Query()
		q.Set("pool_id", strconv.FormatUint(poolID, 10))
		u.RawQuery = q.Encode()
	}

	s := &Subscriber{
		endpoint: u.String(),
		config:   cfg,
		out:      make(chan domain.Notification, cfg.Buffer),
		done:     make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	return s, nil
}

// Notifications returns the stream of received notifications. It is closed by Close.
func (s *Subscriber) Notifications() <-chan domain.Notification {
	return s.out
}

// connect establishes WebSocket connection.
func (s *Subscriber) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed.Load() {
		conn.Close()
		return fmt.Errorf("subscriber closed")
	}
	s.conn = conn
	return nil
}

// Close closes the connection and the notification channel.
func (s *Subscriber) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	close(s.out)
	return nil
}

// readLoop reads frames and forwards notifications, redialing on failure.
func (s *Subscriber) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			if !s.redial(reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, s.config.MaxReconnectDelay)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.connMu.Lock()
			if s.conn == conn {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()
			continue
		}

		// Reset delay on successful read
		reconnectDelay = s.config.ReconnectDelay

		n, ok := decodeMessage(message)
		if !ok {
			continue
		}
		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}

// redial waits delay then tries to reconnect. Returns false if closed meanwhile.
func (s *Subscriber) redial(delay time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(delay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Failure leaves conn nil; the next iteration retries with a longer delay.
	_ = s.connect(ctx)
	return !s.closed.Load()
}

// pingLoop sends periodic ping frames to keep connection alive.
func (s *Subscriber) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				// Errors surface on the next read.
				_ = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.connMu.Unlock()
		}
	}
}

func decodeMessage(message []byte) (domain.Notification, bool) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Method != NotificationMethod {
		return domain.Notification{}, false
	}
	return msg.Params.Result, true
}
