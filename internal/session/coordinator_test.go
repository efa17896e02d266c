package session

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/pairlink/pairlink/internal/keyex"
	"github.com/pairlink/pairlink/internal/signal"
	"github.com/pairlink/pairlink/internal/transport"
)

func newTestCoordinator(t *testing.T, identity string, link RelayLink, tr transport.Transport) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Identity:  identity,
		Link:      link,
		Transport: tr,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRegisterLeavesFirst(t *testing.T) {
	link := newFakeLink()
	tr, other := transport.NewPipe()
	t.Cleanup(func() { _ = other.Close() })

	c := newTestCoordinator(t, "A", link, tr)

	// Pile up sends before the link is writable.
	if err := c.SetRecipient("B"); err != nil {
		t.Fatalf("SetRecipient: %v", err)
	}

	link.Open()

	want := []signal.Type{signal.TypeRegister, signal.TypePublicKey, signal.TypeInitiate, signal.TypeOffer}
	for _, w := range want {
		env := link.nextSent(t)
		if env.Type != w {
			t.Fatalf("envelope order: got %s, want %s", env.Type, w)
		}
		if env.Sender != "A" {
			t.Fatalf("%s envelope sender = %q", env.Type, env.Sender)
		}
	}
	waitEvent(t, c, EventRegistered)
}

func TestSetRecipientTwiceRejected(t *testing.T) {
	link := newFakeLink()
	link.Open()
	tr, other := transport.NewPipe()
	t.Cleanup(func() { _ = other.Close() })

	c := newTestCoordinator(t, "A", link, tr)
	if err := c.SetRecipient("B"); err != nil {
		t.Fatalf("SetRecipient: %v", err)
	}
	if err := c.SetRecipient("C"); err == nil {
		t.Fatal("second SetRecipient accepted")
	}
}

func TestChatRejectedBeforeSecure(t *testing.T) {
	link := newFakeLink()
	link.Open()
	tr, other := transport.NewPipe()
	t.Cleanup(func() { _ = other.Close() })

	c := newTestCoordinator(t, "A", link, tr)
	if err := c.SendChat("too early"); !errors.Is(err, ErrNotSecure) {
		t.Fatalf("SendChat before secure: got %v, want ErrNotSecure", err)
	}
}

func TestFullHandshakeBetweenCoordinators(t *testing.T) {
	linkA, linkB := newLinkPair()
	trA, trB := transport.NewPipe()

	a := newTestCoordinator(t, "A", linkA, trA)
	b := newTestCoordinator(t, "B", linkB, trB)

	if err := a.SetRecipient("B"); err != nil {
		t.Fatalf("SetRecipient: %v", err)
	}

	waitState(t, a, StateSecure)
	waitState(t, b, StateSecure)

	if err := a.SendChat("hi"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	ev := waitEvent(t, b, EventMessageReceived)
	if ev.Message.Text != "hi" || ev.Message.Sender != "A" {
		t.Fatalf("received message = %+v", ev.Message)
	}

	if err := b.SendChat("hello back"); err != nil {
		t.Fatalf("SendChat reply: %v", err)
	}
	ev = waitEvent(t, a, EventMessageReceived)
	if ev.Message.Text != "hello back" || ev.Message.Sender != "B" {
		t.Fatalf("received reply = %+v", ev.Message)
	}
}

func TestResponderFollowsInitiate(t *testing.T) {
	linkA, linkB := newLinkPair()
	trA, trB := transport.NewPipe()

	a := newTestCoordinator(t, "A", linkA, trA)
	b := newTestCoordinator(t, "B", linkB, trB)

	if err := a.SetRecipient("B"); err != nil {
		t.Fatalf("SetRecipient: %v", err)
	}

	// B must answer the offer without any local action.
	sawAnswer := false
	deadline := time.Now().Add(5 * time.Second)
	for !sawAnswer {
		if time.Now().After(deadline) {
			t.Fatal("responder never sent an answer")
		}
		select {
		case env := <-linkB.sentCh:
			if env.Type == signal.TypeAnswer {
				if env.Recipient != "A" {
					t.Fatalf("answer recipient = %q, want A", env.Recipient)
				}
				sawAnswer = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	waitState(t, b, StateSecure)
}

func TestEncryptionReadyIdempotent(t *testing.T) {
	link := newFakeLink()
	link.Open()
	tr, other := transport.NewPipe()
	t.Cleanup(func() { _ = other.Close() })

	c := newTestCoordinator(t, "A", link, tr)
	if err := c.SetRecipient("B"); err != nil {
		t.Fatalf("SetRecipient: %v", err)
	}

	peer, err := keyex.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("generate peer keypair: %v", err)
	}
	link.Deliver(signal.Envelope{
		Type:      signal.TypePublicKey,
		Sender:    "B",
		Recipient: "A",
		Key:       base64.StdEncoding.EncodeToString(peer.Public),
	})
	waitEvent(t, c, EventKeyExchangeReady)

	// Confirmation after completion, and a replayed public key, must not
	// re-derive or emit a second readiness event.
	link.Deliver(signal.Envelope{Type: signal.TypeEncryptionReady, Sender: "B", Recipient: "A"})
	link.Deliver(signal.Envelope{
		Type:      signal.TypePublicKey,
		Sender:    "B",
		Recipient: "A",
		Key:       base64.StdEncoding.EncodeToString(peer.Public),
	})

	select {
	case ev, ok := <-c.Events():
		if ok && ev.Kind == EventKeyExchangeReady {
			t.Fatal("duplicate key-exchange-ready event")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEnvelopesFromUnexpectedPeerDropped(t *testing.T) {
	link := newFakeLink()
	link.Open()
	tr, other := transport.NewPipe()
	t.Cleanup(func() { _ = other.Close() })

	c := newTestCoordinator(t, "A", link, tr)
	if err := c.SetRecipient("B"); err != nil {
		t.Fatalf("SetRecipient: %v", err)
	}

	intruder, err := keyex.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	link.Deliver(signal.Envelope{
		Type:      signal.TypePublicKey,
		Sender:    "C",
		Recipient: "A",
		Key:       base64.StdEncoding.EncodeToString(intruder.Public),
	})

	select {
	case ev, ok := <-c.Events():
		if ok && ev.Kind == EventKeyExchangeReady {
			t.Fatal("key exchange completed with an unexpected peer")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRelayDisconnectIsFatal(t *testing.T) {
	link := newFakeLink()
	link.Open()
	tr, other := transport.NewPipe()
	t.Cleanup(func() { _ = other.Close() })

	c := newTestCoordinator(t, "A", link, tr)
	waitEvent(t, c, EventRegistered)

	link.CloseRemote(ErrRelayConnection)

	ev := waitEvent(t, c, EventError)
	if !errors.Is(ev.Err, ErrRelayConnection) {
		t.Fatalf("error event = %v, want ErrRelayConnection", ev.Err)
	}
	waitState(t, c, StateError)
}

func TestHandshakeTimeout(t *testing.T) {
	link := newFakeLink()
	link.Open()
	tr, other := transport.NewPipe()
	t.Cleanup(func() { _ = other.Close() })

	c, err := New(Config{
		Identity:         "A",
		Link:             link,
		Transport:        tr,
		HandshakeTimeout: 50 * time.Millisecond,
		Logger:           quietLogger(),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.SetRecipient("B"); err != nil {
		t.Fatalf("SetRecipient: %v", err)
	}

	ev := waitEvent(t, c, EventError)
	if !errors.Is(ev.Err, ErrHandshakeTimeout) {
		t.Fatalf("error event = %v, want ErrHandshakeTimeout", ev.Err)
	}
	waitState(t, c, StateError)
}

func TestRoomInitAssignsRoles(t *testing.T) {
	linkA, linkB := newLinkPair()
	trA, trB := transport.NewPipe()

	a := newTestCoordinator(t, "A", linkA, trA)
	b := newTestCoordinator(t, "B", linkB, trB)

	isInit := true
	notInit := false
	linkB.Deliver(signal.Envelope{Type: signal.TypeInit, IsInitiator: &notInit})
	linkA.Deliver(signal.Envelope{Type: signal.TypeInit, IsInitiator: &isInit})

	waitState(t, a, StateSecure)
	waitState(t, b, StateSecure)

	if err := a.SendChat("room says hi"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	ev := waitEvent(t, b, EventMessageReceived)
	if ev.Message.Text != "room says hi" {
		t.Fatalf("received message = %+v", ev.Message)
	}
}

func TestCloseEmitsClosedAndStops(t *testing.T) {
	link := newFakeLink()
	link.Open()
	tr, other := transport.NewPipe()
	t.Cleanup(func() { _ = other.Close() })

	c := newTestCoordinator(t, "A", link, tr)
	waitEvent(t, c, EventRegistered)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state after close = %s", c.State())
	}

	waitEvent(t, c, EventClosed)
	// The event stream ends after closed.
	if _, ok := <-c.Events(); ok {
		t.Fatal("event stream still open after closed event")
	}

	if err := c.SendChat("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendChat after close: got %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
