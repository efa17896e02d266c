package session

import "github.com/pairlink/pairlink/internal/signal"

// OutboundQueue holds envelopes generated before the relay link became
// writable. It is drained strictly in FIFO order, so the register
// envelope enqueued at construction is always the first to leave,
// regardless of how many sends were attempted before the link opened.
//
// The queue is owned by the coordinator's event loop and needs no
// locking.
type OutboundQueue struct {
	items []signal.Envelope
}

func (q *OutboundQueue) Push(env signal.Envelope) {
	q.items = append(q.items, env)
}

func (q *OutboundQueue) Len() int { return len(q.items) }

// Drain sends every queued envelope through fn in enqueue order. It stops
// at the first error, leaving the unsent remainder queued.
func (q *OutboundQueue) Drain(fn func(signal.Envelope) error) error {
	for len(q.items) > 0 {
		if err := fn(q.items[0]); err != nil {
			return err
		}
		q.items = q.items[1:]
	}
	q.items = nil
	return nil
}
