package session

// EventKind discriminates coordinator lifecycle events.
type EventKind int

const (
	// EventRegistered fires once the register envelope has left for the
	// relay.
	EventRegistered EventKind = iota
	// EventTransportReady fires when the peer-to-peer data path opens.
	EventTransportReady
	// EventKeyExchangeReady fires once the session key has been derived
	// and installed.
	EventKeyExchangeReady
	// EventMessageReceived carries one decrypted chat message.
	EventMessageReceived
	// EventError surfaces a failure. Fatal failures also move the
	// coordinator into StateError; per-message failures (bad decrypt) do
	// not.
	EventError
	// EventClosed is the final event; nothing is emitted after it.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventTransportReady:
		return "transport-ready"
	case EventKeyExchangeReady:
		return "key-exchange-ready"
	case EventMessageReceived:
		return "message-received"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one entry in the coordinator's outbound event stream.
type Event struct {
	Kind    EventKind
	Message ChatMessage // set for EventMessageReceived
	Err     error       // set for EventError
}

// ChatMessage is the decrypted application payload carried over the
// secure channel.
type ChatMessage struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
}
