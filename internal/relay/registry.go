package relay

import "sync"

// Conn is the registry's view of a registered connection. Deliver must not
// block; implementations enqueue and report false when the peer cannot
// keep up.
type Conn interface {
	Deliver(data []byte) bool
	Identity() string
}

// Registry maps identities to live connections. All access goes through
// the mutex; per-entry work is O(1) and broadcast is O(n), which is fine
// at rendezvous scale.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register inserts or replaces the entry for identity and returns the
// superseded connection, if any. The swap happens under the lock, so there
// is no window where both connections are routable under the identity.
func (r *Registry) Register(identity string, c Conn) (superseded Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[identity]
	r.conns[identity] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes the entry for identity, but only if it still points
// at c. A connection superseded by a later registration must not remove
// its replacement on teardown.
func (r *Registry) Unregister(identity string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[identity] != c {
		return false
	}
	delete(r.conns, identity)
	return true
}

// Lookup returns the connection registered under identity.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[identity]
	return c, ok
}

// Unicast forwards data verbatim to recipient. An unknown recipient is a
// silent drop; the sender learns nothing.
func (r *Registry) Unicast(recipient string, data []byte) bool {
	c, ok := r.Lookup(recipient)
	if !ok {
		return false
	}
	return c.Deliver(data)
}

// Broadcast forwards data verbatim to every registered connection except
// the one registered under sender. Returns the number of deliveries.
func (r *Registry) Broadcast(sender string, data []byte) int {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.conns))
	for identity, c := range r.conns {
		if identity == sender {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	n := 0
	for _, c := range targets {
		if c.Deliver(data) {
			n++
		}
	}
	return n
}

// Len reports the number of registered identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
