package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// Hub accepts producer websocket connections and merges their frames into a
// single receive stream.
//
// Each connection is read by its own goroutine, so frames from one producer
// keep their order while frames from different producers interleave.
//
// **Usage:**
//
//	hub := channel.NewHub(1024, logger)
//	mux.Handle("/updates", hub)
//	coord, _ := coordinator.New(coordinator.Options{Channel: hub, ...})
type Hub struct {
	upgrader websocket.Upgrader
	inbox    *Local
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// NewHub creates a hub whose merged stream buffers up to buffer messages.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		inbox:  NewLocal(buffer),
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and reads update frames until the producer
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if !h.track(ws) {
		_ = ws.Close()
		return
	}
	defer h.untrack(ws)

	h.logger.Debug("producer connected", "remote", r.RemoteAddr)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			h.logger.Debug("producer disconnected", "remote", r.RemoteAddr, "error", err)
			return
		}

		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			h.logger.Warn("dropping malformed frame", "remote", r.RemoteAddr, "bytes", len(frame), "error", err)
			continue
		}

		if err := h.inbox.Send(r.Context(), msg); err != nil {
			return
		}
	}
}

// Receive returns the next message from any producer.
func (h *Hub) Receive(ctx context.Context) (Message, error) {
	return h.inbox.Receive(ctx)
}

// Send injects a message as if a producer had sent it. Used for in-process
// producers sharing the hub.
func (h *Hub) Send(ctx context.Context, msg Message) error {
	return h.inbox.Send(ctx, msg)
}

// Connections returns the number of connected producers.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every producer and closes the merged stream.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
	return h.inbox.Close()
}

func (h *Hub) track(c *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Hub) untrack(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	_ = c.Close()
}

// DialOptions controls the producer-side dial.
type DialOptions struct {
	// MaxTries caps dial attempts. Zero means 5.
	MaxTries uint

	// InitialInterval is the first retry delay. Zero uses the backoff default.
	InitialInterval time.Duration

	// Header is sent with the upgrade request.
	Header http.Header
}

// WebSocketSender publishes update messages to a Hub.
type WebSocketSender struct {
	conn     *websocket.Conn
	producer *producer

	mu sync.Mutex
}

// DialWebSocket connects to a hub, retrying with exponential backoff.
func DialWebSocket(ctx context.Context, url string, opts DialOptions) (*WebSocketSender, error) {
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}
	eb := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		eb.InitialInterval = opts.InitialInterval
	}

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(fmt.Errorf("dial %s: %s: %w", url, resp.Status, err))
			}
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return c, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(opts.MaxTries))
	if err != nil {
		return nil, err
	}

	return &WebSocketSender{conn: conn, producer: newProducer()}, nil
}

// Producer returns the id stamped on every message.
func (s *WebSocketSender) Producer() string {
	return s.producer.id
}

// Send writes msg as one JSON text frame.
func (s *WebSocketSender) Send(ctx context.Context, msg Message) error {
	msg = s.producer.stamp(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection.
func (s *WebSocketSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
