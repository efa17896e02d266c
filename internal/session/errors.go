package session

import "errors"

var (
	// ErrClosed is returned by calls on a coordinator that has been
	// closed.
	ErrClosed = errors.New("session: closed")

	// ErrRelayConnection marks loss of the relay link. Fatal; the
	// coordinator does not reconnect.
	ErrRelayConnection = errors.New("session: relay connection lost")

	// ErrNegotiation marks a failed transport negotiation step (bad
	// remote description or candidate). Fatal; no retry.
	ErrNegotiation = errors.New("session: transport negotiation failed")

	// ErrKeyExchange marks a failed derivation attempt. The attempt is
	// abandoned; re-initiating starts a fresh one.
	ErrKeyExchange = errors.New("session: key exchange failed")

	// ErrNotSecure is returned when chat is attempted before both the
	// transport and the key exchange are ready.
	ErrNotSecure = errors.New("session: channel not yet secure")

	// ErrHandshakeTimeout marks a handshake that did not reach the secure
	// state within the configured deadline.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")
)
