// Package transport abstracts the peer-to-peer data path negotiated over
// the signaling relay. The production implementation rides a WebRTC data
// channel; an in-memory pipe backs tests.
package transport

import (
	"context"
	"errors"

	"github.com/pairlink/pairlink/internal/signal"
)

var (
	// ErrClosed is returned by operations on a transport that has been
	// closed, locally or by the remote side.
	ErrClosed = errors.New("transport: closed")

	// ErrNotOpen is returned by Send before the data path has opened.
	ErrNotOpen = errors.New("transport: not open")
)

// Transport is one endpoint of a reliable, ordered byte stream between two
// peers. Negotiation is asymmetric: the initiator calls CreateOffer and
// HandleAnswer, the responder calls HandleOffer. Both sides exchange
// candidates until the path opens.
type Transport interface {
	// CreateOffer starts negotiation from the initiating side.
	CreateOffer(ctx context.Context) (signal.SDP, error)

	// HandleOffer accepts the remote offer and returns the local answer.
	HandleOffer(ctx context.Context, offer signal.SDP) (signal.SDP, error)

	// HandleAnswer completes negotiation on the initiating side.
	HandleAnswer(answer signal.SDP) error

	// AddCandidate applies a connectivity candidate received from the peer.
	AddCandidate(c signal.Candidate) error

	// Candidates yields locally gathered candidates that must be forwarded
	// to the peer. The channel is closed when gathering ends or the
	// transport closes.
	Candidates() <-chan signal.Candidate

	// Opened is closed once the data path is ready to carry messages.
	Opened() <-chan struct{}

	// Receive yields inbound messages. The channel is closed when the
	// transport closes.
	Receive() <-chan []byte

	// Send delivers one message to the peer. It fails with ErrNotOpen
	// before Opened fires and ErrClosed afterward.
	Send(data []byte) error

	// Closed is closed when the transport terminates for any reason; Err
	// reports why.
	Closed() <-chan struct{}

	// Err returns the terminal error after Closed fires, or nil for a
	// clean local Close.
	Err() error

	// Close tears down the transport. Safe to call more than once.
	Close() error
}
