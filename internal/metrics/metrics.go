// Package metrics is a minimal concurrency-safe counter registry for the
// signaling relay, scrapeable in Prometheus text format.
package metrics

import "sync"

// Counter names used by the relay.
const (
	ConnectionsAccepted   = "connections_accepted"
	Registrations         = "registrations"
	RegistrationsReplaced = "registrations_replaced"
	EnvelopesUnicast      = "envelopes_unicast"
	EnvelopesBroadcast    = "envelopes_broadcast"
	DropUnknownRecipient  = "drop_unknown_recipient"
	DropMalformed         = "drop_malformed"
	DropRateLimited       = "drop_rate_limited"
	DropUnregistered      = "drop_unregistered"
	RoomsFull             = "rooms_full"
)

// Metrics is a named-counter registry shared by the relay's handlers. It
// keeps enforcement logic testable without pulling in a metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
