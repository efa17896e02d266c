package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairlink/pairlink/internal/metrics"
	"github.com/pairlink/pairlink/internal/ratelimit"
	"github.com/pairlink/pairlink/internal/signal"
)

// Server is the addressed relay endpoint. Each websocket connection must
// register an identity before any envelope is routed for it; after that
// the relay forwards envelopes verbatim, by recipient or by broadcast.
//
// The relay never authenticates the claimed identity. The system's
// security property is end-to-end confidentiality between the two session
// parties, not sender authentication at the rendezvous point.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, log *slog.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:      cfg.WithDefaults(),
		log:      log,
		metrics:  m,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the identity registry, mainly for tests and readiness
// reporting.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.metrics.Inc(metrics.ConnectionsAccepted)

	c := newClient(conn, s.cfg)
	go c.writePump()
	s.readLoop(c)

	if identity := c.Identity(); identity != "" {
		if s.registry.Unregister(identity, c) {
			s.log.Debug("identity unregistered", "identity", identity)
		}
	}
	c.close()
}

func (s *Server) readLoop(c *client) {
	conn := c.conn
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	limiter := ratelimit.NewTokenBucket(nil, s.cfg.MaxMessagesPerSecond)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
				s.log.Warn("connection dropped: message too large", "identity", c.Identity())
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow() {
			s.metrics.Inc(metrics.DropRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := signal.Parse(data)
		if err != nil {
			// Malformed envelopes are logged and dropped; the connection
			// stays up.
			s.metrics.Inc(metrics.DropMalformed)
			s.log.Warn("dropping malformed envelope", "identity", c.Identity(), "err", err)
			continue
		}

		s.route(c, env, data)
	}
}

func (s *Server) route(c *client, env signal.Envelope, raw []byte) {
	if env.Type == signal.TypeRegister {
		s.register(c, env.Sender)
		return
	}

	identity := c.Identity()
	if identity == "" {
		s.metrics.Inc(metrics.DropUnregistered)
		s.log.Warn("dropping envelope from unregistered connection", "type", env.Type)
		return
	}

	switch env.Type {
	case signal.TypeError, signal.TypeInit:
		// Relay-to-client types are never relayed onward.
		s.metrics.Inc(metrics.DropMalformed)
		s.log.Warn("dropping relay-only envelope from client", "type", env.Type, "identity", identity)
	default:
		if env.Recipient != "" {
			if s.registry.Unicast(env.Recipient, raw) {
				s.metrics.Inc(metrics.EnvelopesUnicast)
			} else {
				// Fire-and-forget: nothing is surfaced to the sender.
				s.metrics.Inc(metrics.DropUnknownRecipient)
			}
			return
		}
		n := s.registry.Broadcast(env.Sender, raw)
		s.metrics.Add(metrics.EnvelopesBroadcast, uint64(n))
	}
}

func (s *Server) register(c *client, identity string) {
	prev := c.setIdentity(identity)
	if prev != "" && prev != identity {
		s.registry.Unregister(prev, c)
	}

	superseded := s.registry.Register(identity, c)
	s.metrics.Inc(metrics.Registrations)
	s.log.Info("identity registered", "identity", identity, "replaced", superseded != nil)

	if superseded != nil {
		s.metrics.Inc(metrics.RegistrationsReplaced)
		if old, ok := superseded.(*client); ok {
			old.closeWith(websocket.ClosePolicyViolation, "identity registered elsewhere")
		}
	}
}

// client is one relay websocket connection. All writes funnel through the
// send queue and writePump, honoring gorilla's single-writer rule.
type client struct {
	conn *websocket.Conn
	cfg  Config

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	identity string
}

var _ Conn = (*client)(nil)

func newClient(conn *websocket.Conn, cfg Config) *client {
	return &client{
		conn: conn,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendQueueLength),
		done: make(chan struct{}),
	}
}

func (c *client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *client) setIdentity(identity string) (prev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev = c.identity
	c.identity = identity
	return prev
}

// Deliver enqueues data for the write pump. A full queue means the peer is
// not draining; the connection is torn down rather than letting one slow
// reader block the registry.
func (c *client) Deliver(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.close()
		return false
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) closeWith(code int, reason string) {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
