package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
)

// forwardSignaling shuttles candidates between two peers the way the relay
// would, until both transports close.
func forwardSignaling(t *testing.T, a, b Transport) {
	t.Helper()
	go func() {
		for c := range a.Candidates() {
			_ = b.AddCandidate(c)
		}
	}()
	go func() {
		for c := range b.Candidates() {
			_ = a.AddCandidate(c)
		}
	}()
}

func TestPeerLoopback(t *testing.T) {
	cfg := PeerConfig{LoggerFactory: logging.NewDefaultLoggerFactory()}

	a, err := NewPeer(cfg)
	if err != nil {
		t.Fatalf("new peer a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	b, err := NewPeer(cfg)
	if err != nil {
		t.Fatalf("new peer b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	forwardSignaling(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, err := a.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	answer, err := b.HandleOffer(ctx, offer)
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	if err := a.HandleAnswer(answer); err != nil {
		t.Fatalf("handle answer: %v", err)
	}

	for name, tr := range map[string]Transport{"a": a, "b": b} {
		select {
		case <-tr.Opened():
		case <-ctx.Done():
			t.Fatalf("peer %s did not open: %v", name, ctx.Err())
		}
	}

	if err := a.Send([]byte("hello from a")); err != nil {
		t.Fatalf("send a->b: %v", err)
	}
	select {
	case got := <-b.Receive():
		if string(got) != "hello from a" {
			t.Fatalf("b received %q", got)
		}
	case <-ctx.Done():
		t.Fatal("b did not receive message")
	}

	if err := b.Send([]byte("hello from b")); err != nil {
		t.Fatalf("send b->a: %v", err)
	}
	select {
	case got := <-a.Receive():
		if string(got) != "hello from b" {
			t.Fatalf("a received %q", got)
		}
	case <-ctx.Done():
		t.Fatal("a did not receive message")
	}
}

func TestPeerSendBeforeOpen(t *testing.T) {
	p, err := NewPeer(PeerConfig{})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	if err := p.Send([]byte("x")); err != ErrNotOpen {
		t.Fatalf("send before open: got %v, want ErrNotOpen", err)
	}
}

func TestPeerCloseIdempotent(t *testing.T) {
	p, err := NewPeer(PeerConfig{})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-p.Closed():
	case <-time.After(time.Second):
		t.Fatal("Closed did not fire")
	}
	if err := p.Err(); err != nil {
		t.Fatalf("clean close recorded error: %v", err)
	}
}
