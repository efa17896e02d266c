// Package session implements the per-peer coordinator that turns relay
// signaling plus a point-to-point transport into an established encrypted
// channel.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pairlink/pairlink/internal/keyex"
	"github.com/pairlink/pairlink/internal/secure"
	"github.com/pairlink/pairlink/internal/signal"
	"github.com/pairlink/pairlink/internal/transport"
)

// State is the coordinator's externally observable lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRegistered
	StateInitiating
	StateAwaitingInitiation
	StateNegotiating
	StateTransportOpen
	StateKeyExchanging
	// StateSecure is the conjunction of an open transport and a completed
	// key exchange; either may be satisfied first.
	StateSecure
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistered:
		return "registered"
	case StateInitiating:
		return "initiating"
	case StateAwaitingInitiation:
		return "awaiting-initiation"
	case StateNegotiating:
		return "negotiating"
	case StateTransportOpen:
		return "transport-open"
	case StateKeyExchanging:
		return "key-exchanging"
	case StateSecure:
		return "secure"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role fixes who drives transport negotiation.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

// keyExchangePhase guards the derivation routine against re-entry. It
// replaces the in-progress/complete boolean pair with one value checked
// and set on the event loop.
type keyExchangePhase int

const (
	kxNotStarted keyExchangePhase = iota
	kxInProgress
	kxComplete
)

// DefaultHandshakeTimeout bounds the time from role assignment to the
// secure state. The source protocol has no liveness guarantee at all; we
// fail the session instead of hanging forever.
const DefaultHandshakeTimeout = 30 * time.Second

type Config struct {
	// Identity is the public-key string registered at the relay.
	Identity string

	// Link is the relay connection. The coordinator owns it and closes it
	// on Close.
	Link RelayLink

	// Transport is the not-yet-negotiated peer-to-peer transport. Owned
	// and closed by the coordinator.
	Transport transport.Transport

	// HandshakeTimeout bounds role assignment to StateSecure. Zero means
	// DefaultHandshakeTimeout; negative disables the timeout.
	HandshakeTimeout time.Duration

	// Random sources ephemeral key material. Nil means crypto/rand.
	Random io.Reader

	Logger *slog.Logger

	// EventBuffer sizes the event stream. Events are dropped (with a log
	// line) if the consumer falls this far behind.
	EventBuffer int
}

// Coordinator is the per-peer session state machine. All state lives on a
// single event-loop goroutine; public methods post into that loop.
type Coordinator struct {
	identity         string
	link             RelayLink
	tr               transport.Transport
	log              *slog.Logger
	random           io.Reader
	handshakeTimeout time.Duration

	events  chan Event
	actions chan func()
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	state     atomic.Int32

	// Everything below is owned by the event loop.
	role          Role
	recipient     string
	queue         OutboundQueue
	linkUp        bool
	keys          keyex.KeyPair
	sentKey       bool
	kxPhase       keyExchangePhase
	peerConfirmed bool
	channel       *secure.Channel
	transportOpen bool

	handshakeTimer *time.Timer
	timerC         <-chan time.Time
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("session: identity required")
	}
	if cfg.Link == nil {
		return nil, fmt.Errorf("session: relay link required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: transport required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}

	c := &Coordinator{
		identity:         cfg.Identity,
		link:             cfg.Link,
		tr:               cfg.Transport,
		log:              cfg.Logger.With("identity", cfg.Identity),
		random:           cfg.Random,
		handshakeTimeout: cfg.HandshakeTimeout,
		events:           make(chan Event, cfg.EventBuffer),
		actions:          make(chan func()),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
		channel:          secure.NewChannel(),
	}
	c.state.Store(int32(StateIdle))

	// Queued before the loop starts, so register is always the first
	// envelope to leave, no matter how many sends pile up before the link
	// opens.
	c.sendOrQueue(signal.Envelope{Type: signal.TypeRegister, Sender: c.identity})

	go c.run()
	return c, nil
}

// Events is the coordinator's outbound lifecycle stream. Consume it; a
// stalled consumer loses events.
func (c *Coordinator) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Identity returns the local identity string.
func (c *Coordinator) Identity() string { return c.identity }

// SetRecipient names the remote peer and makes the local side the
// initiator: the key exchange starts, an initiate envelope is sent, and
// transport negotiation begins with a fresh offer.
func (c *Coordinator) SetRecipient(id string) error {
	return c.do(func() error {
		if id == "" {
			return fmt.Errorf("session: empty recipient")
		}
		if c.role != RoleNone {
			return fmt.Errorf("session: role already assigned (%s)", c.role)
		}
		c.recipient = id
		c.role = RoleInitiator
		c.setState(StateInitiating)
		c.startHandshakeTimer()
		return c.beginInitiation()
	})
}

// SendChat seals text under the session key and sends it over the
// transport. Only valid in StateSecure.
func (c *Coordinator) SendChat(text string) error {
	return c.do(func() error {
		if c.State() != StateSecure {
			return ErrNotSecure
		}
		payload, err := json.Marshal(ChatMessage{Text: text, Sender: c.identity, Recipient: c.recipient})
		if err != nil {
			return err
		}
		sealed, err := c.channel.Seal(payload)
		if err != nil {
			return err
		}
		frame, err := encodeChatEnvelope(sealed)
		if err != nil {
			return err
		}
		return c.tr.Send(frame)
	})
}

// Close releases the transport, the relay link, and the key material. The
// final event is EventClosed; nothing is emitted afterward.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

// do posts f onto the event loop and waits for its result.
func (c *Coordinator) do(f func() error) error {
	errc := make(chan error, 1)
	select {
	case c.actions <- func() { errc <- f() }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) run() {
	defer close(c.done)

	readyCh := c.link.Ready()
	linkClosed := c.link.Closed()
	linkRecv := c.link.Receive()
	opened := c.tr.Opened()
	trClosed := c.tr.Closed()
	candidates := c.tr.Candidates()
	trRecv := c.tr.Receive()

	for {
		select {
		case <-c.stop:
			c.shutdown()
			return

		case <-readyCh:
			readyCh = nil
			c.onLinkReady()

		case <-linkClosed:
			linkClosed = nil
			err := c.link.Err()
			if err == nil {
				err = ErrRelayConnection
			}
			c.fatal(err)

		case env, ok := <-linkRecv:
			if !ok {
				linkRecv = nil
				continue
			}
			c.handleEnvelope(env)

		case <-opened:
			opened = nil
			c.onTransportOpen()

		case <-trClosed:
			trClosed = nil
			if c.State() != StateError {
				c.fatal(fmt.Errorf("%w: transport closed", ErrNegotiation))
			}

		case cand, ok := <-candidates:
			if !ok {
				candidates = nil
				continue
			}
			c.sendOrQueue(signal.Envelope{
				Type:      signal.TypeCandidate,
				Sender:    c.identity,
				Recipient: c.recipient,
				Candidate: &cand,
			})

		case data, ok := <-trRecv:
			if !ok {
				trRecv = nil
				continue
			}
			c.handleData(data)

		case f := <-c.actions:
			f()

		case <-c.timerC:
			c.timerC = nil
			c.fatal(ErrHandshakeTimeout)
		}
	}
}

func (c *Coordinator) onLinkReady() {
	c.linkUp = true
	if err := c.queue.Drain(c.link.Send); err != nil {
		c.fatal(err)
		return
	}
	if c.State() == StateIdle {
		c.setState(StateRegistered)
	}
	c.emit(Event{Kind: EventRegistered})
	c.log.Debug("registered with relay")
}

// sendOrQueue delivers env now if the link is writable, otherwise holds
// it in FIFO order until it is.
func (c *Coordinator) sendOrQueue(env signal.Envelope) {
	if !c.linkUp {
		c.queue.Push(env)
		return
	}
	if err := c.link.Send(env); err != nil {
		c.fatal(err)
	}
}

// beginInitiation runs the initiator side: public key first, then the
// initiate marker, then the transport offer.
func (c *Coordinator) beginInitiation() error {
	c.startKeyExchange()
	c.sendOrQueue(signal.Envelope{Type: signal.TypeInitiate, Sender: c.identity, Recipient: c.recipient})

	offer, err := c.tr.CreateOffer(context.Background())
	if err != nil {
		err = fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
		c.fatal(err)
		return err
	}
	c.sendOrQueue(signal.Envelope{
		Type:      signal.TypeOffer,
		Sender:    c.identity,
		Recipient: c.recipient,
		Offer:     &offer,
	})
	c.setState(StateNegotiating)
	return nil
}

func (c *Coordinator) handleEnvelope(env signal.Envelope) {
	switch env.Type {
	case signal.TypeInit:
		c.handleRoomInit(env)

	case signal.TypeError:
		c.fatal(fmt.Errorf("%w: relay error: %s", ErrRelayConnection, env.Message))

	case signal.TypeInitiate:
		if !c.fromExpectedPeer(env) {
			return
		}
		if c.role == RoleNone {
			c.role = RoleResponder
			c.setState(StateAwaitingInitiation)
			c.startHandshakeTimer()
			c.log.Info("initiation received", "peer", env.Sender)
		}
		// The responder answers the key exchange as soon as it knows who
		// the peer is.
		c.startKeyExchange()

	case signal.TypeOffer:
		if !c.fromExpectedPeer(env) {
			return
		}
		if c.role == RoleNone {
			c.role = RoleResponder
			c.startHandshakeTimer()
		}
		answer, err := c.tr.HandleOffer(context.Background(), *env.Offer)
		if err != nil {
			c.fatal(fmt.Errorf("%w: handle offer: %v", ErrNegotiation, err))
			return
		}
		c.sendOrQueue(signal.Envelope{
			Type:      signal.TypeAnswer,
			Sender:    c.identity,
			Recipient: c.recipient,
			Answer:    &answer,
		})
		c.setState(StateNegotiating)

	case signal.TypeAnswer:
		if !c.fromExpectedPeer(env) {
			return
		}
		if err := c.tr.HandleAnswer(*env.Answer); err != nil {
			c.fatal(fmt.Errorf("%w: handle answer: %v", ErrNegotiation, err))
		}

	case signal.TypeCandidate:
		if !c.fromExpectedPeer(env) {
			return
		}
		if err := c.tr.AddCandidate(*env.Candidate); err != nil {
			c.fatal(fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err))
		}

	case signal.TypePublicKey:
		if !c.fromExpectedPeer(env) {
			return
		}
		c.handlePeerKey(env.Key)

	case signal.TypeEncryptionReady:
		if !c.fromExpectedPeer(env) {
			return
		}
		// Completion is driven by our own derivation; the confirmation
		// only tells us the peer got there too.
		if c.kxPhase == kxComplete {
			if !c.peerConfirmed {
				c.peerConfirmed = true
				c.log.Debug("peer confirmed key exchange")
			}
		} else {
			c.log.Warn("encryption-ready before local derivation; ignoring", "peer", env.Sender)
		}

	default:
		c.log.Warn("dropping unexpected envelope", "type", env.Type)
	}
}

// handleRoomInit reacts to the two-party room variant's role assignment.
// The recipient identity stays unknown until the peer's first envelope;
// sends go out unaddressed and the room forwards them to the other socket.
func (c *Coordinator) handleRoomInit(env signal.Envelope) {
	if c.role != RoleNone {
		c.log.Warn("ignoring init after role assignment", "role", c.role)
		return
	}
	if *env.IsInitiator {
		c.role = RoleInitiator
		c.setState(StateInitiating)
		c.startHandshakeTimer()
		_ = c.beginInitiation()
		return
	}
	c.role = RoleResponder
	c.setState(StateAwaitingInitiation)
	c.startHandshakeTimer()
}

// fromExpectedPeer pins the session to one remote identity: the first
// peer-to-peer envelope fixes the recipient, and later envelopes from
// anyone else are dropped.
func (c *Coordinator) fromExpectedPeer(env signal.Envelope) bool {
	if c.recipient == "" {
		c.recipient = env.Sender
		return true
	}
	if env.Sender != c.recipient {
		c.log.Warn("dropping envelope from unexpected peer", "sender", env.Sender, "expected", c.recipient)
		return false
	}
	return true
}

// startKeyExchange makes sure a local ephemeral keypair exists and the
// public half has been sent. Idempotent.
func (c *Coordinator) startKeyExchange() {
	if len(c.keys.Public) == 0 {
		keys, err := keyex.GenerateKeyPair(c.random)
		if err != nil {
			c.fatal(fmt.Errorf("%w: generate keypair: %v", ErrKeyExchange, err))
			return
		}
		c.keys = keys
	}
	if c.sentKey {
		return
	}
	c.sentKey = true
	c.sendOrQueue(signal.Envelope{
		Type:      signal.TypePublicKey,
		Sender:    c.identity,
		Recipient: c.recipient,
		Key:       base64.StdEncoding.EncodeToString(c.keys.Public),
	})
}

// handlePeerKey runs the derivation: shared secret, session key, channel
// key install, then the encryption-ready confirmation. The phase guard
// makes a second trigger during or after derivation a no-op.
func (c *Coordinator) handlePeerKey(encoded string) {
	c.startKeyExchange()
	if c.kxPhase != kxNotStarted {
		return
	}

	peerKey, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.emitError(fmt.Errorf("%w: %v", keyex.ErrKeyFormat, err))
		return
	}

	c.kxPhase = kxInProgress
	secret, err := keyex.SharedSecret(c.keys.Private, peerKey)
	if err != nil {
		c.kxPhase = kxNotStarted
		c.emitError(fmt.Errorf("%w: %v", ErrKeyExchange, err))
		return
	}
	key, err := keyex.SessionKey(secret)
	if err != nil {
		c.kxPhase = kxNotStarted
		c.emitError(fmt.Errorf("%w: %v", ErrKeyExchange, err))
		return
	}
	if err := c.channel.SetKey(key); err != nil {
		c.kxPhase = kxNotStarted
		c.emitError(fmt.Errorf("%w: %v", ErrKeyExchange, err))
		return
	}
	c.kxPhase = kxComplete
	c.log.Info("session key established")
	c.emit(Event{Kind: EventKeyExchangeReady})
	c.sendOrQueue(signal.Envelope{Type: signal.TypeEncryptionReady, Sender: c.identity, Recipient: c.recipient})
	c.maybeAdvance()
}

func (c *Coordinator) onTransportOpen() {
	c.transportOpen = true
	c.log.Info("transport open")
	c.emit(Event{Kind: EventTransportReady})
	c.maybeAdvance()
}

// maybeAdvance recomputes the lifecycle position from the two readiness
// conditions. Secure requires both; either may be satisfied first.
func (c *Coordinator) maybeAdvance() {
	if s := c.State(); s == StateError || s == StateClosed {
		return
	}
	switch {
	case c.transportOpen && c.kxPhase == kxComplete:
		c.setState(StateSecure)
		c.stopHandshakeTimer()
	case c.transportOpen && c.sentKey:
		c.setState(StateKeyExchanging)
	case c.transportOpen:
		c.setState(StateTransportOpen)
	}
}

func (c *Coordinator) handleData(data []byte) {
	sealed, err := decodeChatEnvelope(data)
	if err != nil {
		c.emitError(err)
		return
	}
	plaintext, err := c.channel.Open(sealed)
	if err != nil {
		// One bad message does not kill the channel.
		c.emitError(err)
		return
	}
	var msg ChatMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		c.emitError(fmt.Errorf("decode chat payload: %w", err))
		return
	}
	c.emit(Event{Kind: EventMessageReceived, Message: msg})
}

func (c *Coordinator) startHandshakeTimer() {
	if c.handshakeTimeout < 0 || c.handshakeTimer != nil {
		return
	}
	c.handshakeTimer = time.NewTimer(c.handshakeTimeout)
	c.timerC = c.handshakeTimer.C
}

func (c *Coordinator) stopHandshakeTimer() {
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
		c.timerC = nil
	}
}

// fatal moves the coordinator into the error state. There is no automatic
// retry; the caller decides whether to close and start over.
func (c *Coordinator) fatal(err error) {
	if s := c.State(); s == StateError || s == StateClosed {
		c.log.Debug("suppressing error after terminal state", "err", err)
		return
	}
	c.log.Error("session failed", "err", err)
	c.setState(StateError)
	c.stopHandshakeTimer()
	c.emit(Event{Kind: EventError, Err: err})
}

// emitError surfaces a non-fatal failure without a state change.
func (c *Coordinator) emitError(err error) {
	c.log.Warn("session error", "err", err)
	c.emit(Event{Kind: EventError, Err: err})
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropping event, consumer too slow", "kind", ev.Kind)
	}
}

func (c *Coordinator) setState(s State) {
	prev := c.State()
	if prev == s {
		return
	}
	c.state.Store(int32(s))
	c.log.Debug("state transition", "from", prev, "to", s)
}

func (c *Coordinator) shutdown() {
	c.stopHandshakeTimer()
	_ = c.tr.Close()
	_ = c.link.Close()
	c.keys.Zero()
	c.setState(StateClosed)
	c.emit(Event{Kind: EventClosed})
	close(c.events)
}
