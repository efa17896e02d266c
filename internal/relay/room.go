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

// RoomServer is the two-party room variant of the relay. Roles are
// assigned by arrival order with an init envelope, every subsequent frame
// is forwarded verbatim to the other socket, and a third connection is
// turned away with a "Room is full" error.
//
// Rooms are keyed by the `room` query parameter, so one server can host
// many independent pairs. A missing parameter selects the default room.
type RoomServer struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	slots [2]*client
}

func NewRoomServer(cfg Config, log *slog.Logger, m *metrics.Metrics) *RoomServer {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &RoomServer{
		cfg:     cfg.WithDefaults(),
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

func (s *RoomServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.metrics.Inc(metrics.ConnectionsAccepted)

	name := r.URL.Query().Get("room")
	c := newClient(conn, s.cfg)

	slot, ok := s.join(name, c)
	if !ok {
		// The write pump has not started yet, so writing directly here does
		// not violate the single-writer rule.
		s.metrics.Inc(metrics.RoomsFull)
		s.log.Warn("rejecting connection: room is full", "room", name)
		if data, err := (signal.Envelope{Type: signal.TypeError, Message: "Room is full"}).Encode(); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		c.closeWith(websocket.CloseNormalClosure, "room is full")
		return
	}

	go c.writePump()
	isInitiator := slot == 0
	s.log.Info("peer joined room", "room", name, "initiator", isInitiator)
	s.deliverEnvelope(c, signal.Envelope{Type: signal.TypeInit, IsInitiator: &isInitiator})

	s.readLoop(name, slot, c)

	s.leave(name, slot, c)
	s.log.Info("peer left room", "room", name, "initiator", isInitiator)
	c.close()
}

// join claims a free slot in the named room. The earlier slot maps to the
// initiator role.
func (s *RoomServer) join(name string, c *client) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[name]
	if rm == nil {
		rm = &room{}
		s.rooms[name] = rm
	}
	for i := range rm.slots {
		if rm.slots[i] == nil {
			rm.slots[i] = c
			return i, true
		}
	}
	return 0, false
}

func (s *RoomServer) leave(name string, slot int, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[name]
	if rm == nil || rm.slots[slot] != c {
		return
	}
	rm.slots[slot] = nil
	if rm.slots[0] == nil && rm.slots[1] == nil {
		delete(s.rooms, name)
	}
}

// other returns the peer currently sharing the room, if any.
func (s *RoomServer) other(name string, slot int) *client {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[name]
	if rm == nil {
		return nil
	}
	return rm.slots[1-slot]
}

func (s *RoomServer) readLoop(name string, slot int, c *client) {
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

		// Room traffic is forwarded verbatim; the relay does not parse it.
		peer := s.other(name, slot)
		if peer == nil {
			continue
		}
		if peer.Deliver(data) {
			s.metrics.Inc(metrics.EnvelopesUnicast)
		}
	}
}

func (s *RoomServer) deliverEnvelope(c *client, env signal.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.log.Error("encode relay envelope", "err", err)
		return
	}
	c.Deliver(data)
}
