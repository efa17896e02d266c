package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairlink/pairlink/internal/signal"
)

// RelayLink is the coordinator's connection to the signaling relay.
// Implementations dial asynchronously: Ready is closed once the link is
// writable, Closed once it is gone for good.
type RelayLink interface {
	Ready() <-chan struct{}

	// Receive yields parsed inbound envelopes. Malformed relay traffic is
	// logged and dropped before it reaches this channel. The channel is
	// closed when the link closes.
	Receive() <-chan signal.Envelope

	// Send writes one envelope. It fails if the link is not yet ready or
	// already closed; the coordinator queues around that.
	Send(env signal.Envelope) error

	Closed() <-chan struct{}
	Err() error
	Close() error
}

const linkWriteWait = 5 * time.Second

// WebSocketLink is the production RelayLink over a gorilla websocket.
type WebSocketLink struct {
	url string
	log *slog.Logger

	ready  chan struct{}
	recv   chan signal.Envelope
	closed chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	err     error
}

var _ RelayLink = (*WebSocketLink)(nil)

// DialRelay starts connecting to the relay at url and returns
// immediately. Progress is reported through Ready and Closed.
func DialRelay(url string, log *slog.Logger) *WebSocketLink {
	if log == nil {
		log = slog.Default()
	}
	l := &WebSocketLink{
		url:    url,
		log:    log,
		ready:  make(chan struct{}),
		recv:   make(chan signal.Envelope, 16),
		closed: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *WebSocketLink) run() {
	defer close(l.recv)

	conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
	if err != nil {
		l.fail(fmt.Errorf("%w: dial %s: %v", ErrRelayConnection, l.url, err))
		return
	}

	l.mu.Lock()
	select {
	case <-l.closed:
		// Close raced the dial; drop the fresh connection.
		l.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	l.conn = conn
	l.mu.Unlock()

	close(l.ready)
	l.log.Debug("relay link open", "url", l.url)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.closed:
			default:
				l.fail(fmt.Errorf("%w: %v", ErrRelayConnection, err))
			}
			return
		}
		env, err := signal.Parse(data)
		if err != nil {
			l.log.Warn("dropping malformed relay envelope", "err", err)
			continue
		}
		select {
		case l.recv <- env:
		case <-l.closed:
			return
		}
	}
}

func (l *WebSocketLink) Ready() <-chan struct{}          { return l.ready }
func (l *WebSocketLink) Receive() <-chan signal.Envelope { return l.recv }
func (l *WebSocketLink) Closed() <-chan struct{}         { return l.closed }

func (l *WebSocketLink) Send(env signal.Envelope) error {
	select {
	case <-l.closed:
		return ErrRelayConnection
	default:
	}
	select {
	case <-l.ready:
	default:
		return fmt.Errorf("relay link not ready")
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(linkWriteWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		failure := fmt.Errorf("%w: %v", ErrRelayConnection, err)
		l.fail(failure)
		return failure
	}
	return nil
}

func (l *WebSocketLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *WebSocketLink) fail(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		conn := l.conn
		l.mu.Unlock()
		close(l.closed)
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (l *WebSocketLink) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		close(l.closed)
		if conn != nil {
			deadline := time.Now().Add(linkWriteWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}
	})
	return nil
}
