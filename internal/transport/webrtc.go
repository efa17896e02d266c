package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/pairlink/pairlink/internal/signal"
)

// DataChannelLabel is the label of the single data channel carrying chat
// traffic. The responder rejects channels with any other label.
const DataChannelLabel = "chat"

// PeerConfig configures a WebRTC transport endpoint.
type PeerConfig struct {
	// ICEServers lists STUN/TURN server URLs. Empty means host candidates
	// only, which is enough for same-network peers and tests.
	ICEServers []string

	// LoggerFactory, if set, routes pion's internal logging. Nil keeps
	// pion silent apart from its defaults.
	LoggerFactory logging.LoggerFactory
}

// Peer is the WebRTC-backed Transport. One Peer handles one negotiation;
// it is not reusable after Close.
type Peer struct {
	pc *webrtc.PeerConnection

	candidates chan signal.Candidate
	opened     chan struct{}
	recv       chan []byte
	closed     chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once

	mu  sync.Mutex
	dc  *webrtc.DataChannel
	err error
}

var _ Transport = (*Peer)(nil)

// NewPeer builds a Peer from cfg. Negotiation does not start until
// CreateOffer or HandleOffer is called.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:         pc,
		candidates: make(chan signal.Candidate, 16),
		opened:     make(chan struct{}),
		recv:       make(chan []byte, 16),
		closed:     make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		select {
		case p.candidates <- signal.CandidateFromPion(c.ToJSON()):
		case <-p.closed:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			p.fail(fmt.Errorf("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			p.fail(ErrClosed)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			_ = dc.Close()
			return
		}
		p.bindDataChannel(dc)
	})

	return p, nil
}

func (p *Peer) bindDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.openOnce.Do(func() { close(p.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		select {
		case p.recv <- data:
		case <-p.closed:
		}
	})
	dc.OnClose(func() {
		p.fail(ErrClosed)
	})
}

func (p *Peer) CreateOffer(ctx context.Context) (signal.SDP, error) {
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return signal.SDP{}, fmt.Errorf("create data channel: %w", err)
	}
	p.bindDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signal.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return signal.SDPFromPion(offer), ctx.Err()
}

func (p *Peer) HandleOffer(ctx context.Context, offer signal.SDP) (signal.SDP, error) {
	desc, err := offer.ToPion()
	if err != nil {
		return signal.SDP{}, err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return signal.SDP{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signal.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return signal.SDPFromPion(answer), ctx.Err()
}

func (p *Peer) HandleAnswer(answer signal.SDP) error {
	desc, err := answer.ToPion()
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *Peer) AddCandidate(c signal.Candidate) error {
	if err := p.pc.AddICECandidate(c.ToPion()); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) Candidates() <-chan signal.Candidate { return p.candidates }
func (p *Peer) Opened() <-chan struct{}             { return p.opened }
func (p *Peer) Receive() <-chan []byte              { return p.recv }
func (p *Peer) Closed() <-chan struct{}             { return p.closed }

func (p *Peer) Send(data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotOpen
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// fail records the first terminal error and releases everyone blocked on
// the transport. Close teardown runs asynchronously so pion callbacks
// never block on their own teardown.
func (p *Peer) fail(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		if err != nil && err != ErrClosed {
			p.err = err
		}
		p.mu.Unlock()
		close(p.closed)
		go func() {
			// GracefulClose waits for pion callbacks to drain, so the
			// channel closes below cannot race a delivery.
			_ = p.pc.GracefulClose()
			close(p.recv)
			close(p.candidates)
		}()
	})
}

func (p *Peer) Close() error {
	p.fail(nil)
	return nil
}
