// Package secure implements the AEAD channel that protects application
// payloads once a session key has been agreed.
package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the required session key length.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the length of the random nonce prefixed to every sealed
	// blob.
	NonceSize = chacha20poly1305.NonceSize
)

var (
	// ErrNotReady is returned when Seal/Open is called before a session key
	// has been installed. This is caller misuse, not a transient condition.
	ErrNotReady = errors.New("secure: channel not ready")

	// ErrDecrypt is returned when authentication fails or a blob is too
	// short to contain a nonce. It is a per-message failure; the channel
	// remains usable.
	ErrDecrypt = errors.New("secure: decryption failed")
)

// Channel seals and opens application payloads under a session key.
//
// Sealed blobs are `nonce || ciphertext` with a fresh random 96-bit nonce
// per call; the nonce is never reused under the same key because keys are
// ephemeral per session.
type Channel struct {
	mu   sync.RWMutex
	aead cipher.AEAD
}

func NewChannel() *Channel {
	return &Channel{}
}

// SetKey installs the session key. Installing a key makes the channel
// ready; the previous AEAD state, if any, is discarded.
func (c *Channel) SetKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("session key must be %d bytes (got %d)", KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("init aead: %w", err)
	}

	c.mu.Lock()
	c.aead = aead
	c.mu.Unlock()
	return nil
}

// Ready reports whether a session key has been installed.
func (c *Channel) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aead != nil
}

// Seal encrypts plaintext and returns the nonce-prefixed blob.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	if aead == nil {
		return nil, ErrNotReady
	}

	blob := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(blob[:NonceSize]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(blob, blob[:NonceSize], plaintext, nil), nil
}

// Open splits the blob into nonce and ciphertext and decrypts it.
func (c *Channel) Open(blob []byte) ([]byte, error) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	if aead == nil {
		return nil, ErrNotReady
	}

	if len(blob) < NonceSize {
		return nil, fmt.Errorf("%w: blob shorter than nonce (%d bytes)", ErrDecrypt, len(blob))
	}
	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
