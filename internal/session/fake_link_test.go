package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pairlink/pairlink/internal/signal"
)

// fakeLink is an in-memory RelayLink. Tests control when it becomes
// ready, observe everything sent through it, and inject inbound
// envelopes.
type fakeLink struct {
	ready  chan struct{}
	recv   chan signal.Envelope
	closed chan struct{}
	sentCh chan signal.Envelope

	openOnce  sync.Once
	closeOnce sync.Once

	mu   sync.Mutex
	err  error
	peer *fakeLink
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		ready:  make(chan struct{}),
		recv:   make(chan signal.Envelope, 32),
		closed: make(chan struct{}),
		sentCh: make(chan signal.Envelope, 64),
	}
}

// newLinkPair returns two ready links cross-wired like a two-party relay:
// everything one side sends (except register) arrives at the other.
func newLinkPair() (*fakeLink, *fakeLink) {
	a := newFakeLink()
	b := newFakeLink()
	a.peer, b.peer = b, a
	a.Open()
	b.Open()
	return a, b
}

func (l *fakeLink) Open() {
	l.openOnce.Do(func() { close(l.ready) })
}

func (l *fakeLink) Deliver(env signal.Envelope) {
	l.recv <- env
}

func (l *fakeLink) CloseRemote(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.closed)
	})
}

func (l *fakeLink) Ready() <-chan struct{}          { return l.ready }
func (l *fakeLink) Receive() <-chan signal.Envelope { return l.recv }
func (l *fakeLink) Closed() <-chan struct{}         { return l.closed }

func (l *fakeLink) Send(env signal.Envelope) error {
	select {
	case <-l.closed:
		return ErrRelayConnection
	default:
	}
	l.sentCh <- env
	if l.peer != nil && env.Type != signal.TypeRegister {
		select {
		case l.peer.recv <- env:
		case <-l.peer.closed:
		}
	}
	return nil
}

func (l *fakeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) nextSent(t *testing.T) signal.Envelope {
	t.Helper()
	select {
	case env := <-l.sentCh:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope sent")
		return signal.Envelope{}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitEvent(t *testing.T, c *Coordinator, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
			if ev.Kind == EventError && kind != EventError {
				t.Fatalf("error event while waiting for %s: %v", kind, ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitState(t *testing.T, c *Coordinator, s State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.State() != s {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, never reached %s", c.State(), s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
