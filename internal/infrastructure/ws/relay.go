// Package ws relays per-order lifecycle frames from the event bus to WebSocket clients.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/swapflow/internal/eventbus"
	"github.com/Aidin1998/swapflow/pkg/metrics"
)

// OrderIDParam is the query parameter naming the order to watch.
const OrderIDParam = "orderId"

// Config holds connection timing.
type Config struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PongWait     time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	ReadLimit    int64         `mapstructure:"read_limit" yaml:"read_limit"`
}

// DefaultConfig pings every 30s and drops a client after 60s of silence.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    512,
	}
}

// Relay upgrades status requests and streams one order's frames per connection.
type Relay struct {
	bus      eventbus.Subscriber
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// NewRelay creates a relay reading from bus.
func NewRelay(bus eventbus.Subscriber, cfg Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = d.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = d.ReadLimit
	}
	return &Relay{
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// ServeWS handles one connection and returns when it is torn down.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	orderID := req.URL.Query().Get(OrderIDParam)
	if orderID == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "orderId is required", r.cfg.WriteTimeout)
		_ = conn.Close()
		return
	}
	log := r.logger.With(zap.String("order_id", orderID))

	sub, err := r.bus.Subscribe(req.Context(), orderID)
	if err != nil {
		log.Warn("Failed to subscribe to order updates", zap.Error(err))
		closeWith(conn, websocket.CloseInternalServerErr, "subscription unavailable", r.cfg.WriteTimeout)
		_ = conn.Close()
		return
	}

	s := &session{
		conn:   conn,
		sub:    sub,
		cfg:    r.cfg,
		logger: log,
		done:   make(chan struct{}),
	}
	if !r.track(s) {
		closeWith(conn, websocket.CloseGoingAway, "server shutting down", r.cfg.WriteTimeout)
		s.teardown()
		return
	}
	defer r.untrack(s)

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()
	log.Debug("Status stream opened")

	go s.readLoop()
	s.writeLoop()
	log.Debug("Status stream closed")
}

func (r *Relay) track(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s] = struct{}{}
	return true
}

func (r *Relay) untrack(s *session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// Active reports the number of open streams.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every open stream with a going-away frame and rejects new ones.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	open := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()

	for _, s := range open {
		closeWith(s.conn, websocket.CloseGoingAway, "server shutting down", r.cfg.WriteTimeout)
		s.teardown()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for r.Active() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

type session struct {
	conn   *websocket.Conn
	sub    eventbus.Subscription
	cfg    Config
	logger *zap.Logger

	once sync.Once
	done chan struct{}
}

// teardown unsubscribes then releases the connection, once.
func (s *session) teardown() {
	s.once.Do(func() {
		close(s.done)
		if err := s.sub.Close(); err != nil {
			s.logger.Debug("Subscription close failed", zap.Error(err))
		}
		_ = s.conn.Close()
	})
}

// readLoop drains client frames so control frames are processed and a client
// close is noticed.
func (s *session) readLoop() {
	defer s.teardown()
	s.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Client connection dropped", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop is the only writer of data frames on the connection.
func (s *session) writeLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer s.teardown()
	events := s.sub.Events()
	for {
		select {
		case <-s.done:
			return
		case frame, ok := <-events:
			if !ok {
				code, text := websocket.CloseNormalClosure, "subscription ended"
				if err := s.sub.Err(); err != nil {
					s.logger.Warn("Order subscription failed", zap.Error(err))
					code, text = websocket.CloseInternalServerErr, "subscription failed"
				}
				closeWith(s.conn, code, text, s.cfg.WriteTimeout)
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("Frame write failed", zap.Error(err))
				return
			}
			metrics.WSFramesSent.Inc()
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
}
