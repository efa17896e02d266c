package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pairlink/pairlink/internal/signal"
)

// pipeEnd is one side of an in-memory transport pair. It follows the same
// offer/answer choreography as the WebRTC peer so session logic can be
// exercised without a network.
type pipeEnd struct {
	peer *pipeEnd

	candidates chan signal.Candidate
	opened     chan struct{}
	recv       chan []byte
	closed     chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once

	mu   sync.Mutex
	done bool
	err  error
}

var _ Transport = (*pipeEnd)(nil)

// NewPipe returns two connected in-memory transports. Messages sent on one
// end arrive on the other; closing either end closes both.
func NewPipe() (Transport, Transport) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{
		candidates: make(chan signal.Candidate, 4),
		opened:     make(chan struct{}),
		recv:       make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
}

func (p *pipeEnd) CreateOffer(ctx context.Context) (signal.SDP, error) {
	if err := p.alive(); err != nil {
		return signal.SDP{}, err
	}
	p.emitCandidate()
	return signal.SDP{Type: "offer", SDP: "v=0 pipe offer"}, ctx.Err()
}

func (p *pipeEnd) HandleOffer(ctx context.Context, offer signal.SDP) (signal.SDP, error) {
	if err := p.alive(); err != nil {
		return signal.SDP{}, err
	}
	if offer.Type != "offer" {
		return signal.SDP{}, fmt.Errorf("expected offer, got %q", offer.Type)
	}
	p.emitCandidate()
	p.open()
	return signal.SDP{Type: "answer", SDP: "v=0 pipe answer"}, ctx.Err()
}

func (p *pipeEnd) HandleAnswer(answer signal.SDP) error {
	if err := p.alive(); err != nil {
		return err
	}
	if answer.Type != "answer" {
		return fmt.Errorf("expected answer, got %q", answer.Type)
	}
	p.open()
	return nil
}

func (p *pipeEnd) AddCandidate(signal.Candidate) error {
	return p.alive()
}

func (p *pipeEnd) emitCandidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	select {
	case p.candidates <- signal.Candidate{Candidate: "candidate:pipe 1 udp 1 127.0.0.1 0 typ host"}:
	default:
	}
}

func (p *pipeEnd) open() {
	p.openOnce.Do(func() { close(p.opened) })
}

func (p *pipeEnd) Candidates() <-chan signal.Candidate { return p.candidates }
func (p *pipeEnd) Opened() <-chan struct{}             { return p.opened }
func (p *pipeEnd) Receive() <-chan []byte              { return p.recv }
func (p *pipeEnd) Closed() <-chan struct{}             { return p.closed }

func (p *pipeEnd) Send(data []byte) error {
	select {
	case <-p.opened:
	default:
		if err := p.alive(); err != nil {
			return err
		}
		return ErrNotOpen
	}
	return p.peer.deliver(append([]byte(nil), data...))
}

// deliver hands a message to this end's receive buffer. Delivery is
// non-blocking: the buffer is sized well beyond what tests enqueue.
func (p *pipeEnd) deliver(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return ErrClosed
	}
	select {
	case p.recv <- data:
		return nil
	default:
		return fmt.Errorf("pipe receive buffer full")
	}
}

func (p *pipeEnd) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pipeEnd) alive() error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (p *pipeEnd) Close() error {
	p.shutdown(nil)
	p.peer.shutdown(ErrClosed)
	return nil
}

func (p *pipeEnd) shutdown(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.done = true
		if err != nil && err != ErrClosed {
			p.err = err
		}
		close(p.closed)
		close(p.recv)
		close(p.candidates)
		p.mu.Unlock()
	})
}
