package relay

import "time"

type Config struct {
	// MaxMessageBytes caps a single signaling message. Larger frames close
	// the connection.
	MaxMessageBytes int64

	// MaxMessagesPerSecond caps the per-connection signaling rate. Zero
	// disables the cap.
	MaxMessagesPerSecond int64

	// SendQueueLength is the per-connection outbound buffer, in messages.
	// A peer that cannot drain its queue is disconnected.
	SendQueueLength int

	// PingInterval and PongTimeout drive websocket keepalive. A connection
	// that misses a pong for PongTimeout is torn down.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:      64 << 10, // 64KiB, enough for any SDP
		MaxMessagesPerSecond: 50,
		SendQueueLength:      32,
		PingInterval:         30 * time.Second,
		PongTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with
// sensible defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.SendQueueLength <= 0 {
		c.SendQueueLength = d.SendQueueLength
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}
