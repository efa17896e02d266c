// Package keyex implements the ephemeral key agreement that produces a
// per-session symmetric key: X25519 Diffie-Hellman followed by HKDF-SHA256
// expansion. It is pure computation; all I/O lives in the session layer.
package keyex

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of X25519 public/private keys and the derived
	// session key.
	KeySize = 32
)

// sessionKeyInfo domain-separates the HKDF expansion from any other use of
// the same shared secret.
var sessionKeyInfo = []byte("pairlink session key v1")

// ErrKeyFormat is returned when a key has the wrong length or is not a
// valid curve point.
var ErrKeyFormat = errors.New("keyex: invalid key")

var curve = ecdh.X25519()

// KeyPair holds one ephemeral X25519 key pair. It lives exactly as long as
// the session that generated it.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair produces a fresh X25519 key pair from the provided source
// of randomness; nil means crypto/rand.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	return KeyPair{
		Public:  append([]byte(nil), priv.PublicKey().Bytes()...),
		Private: append([]byte(nil), priv.Bytes()...),
	}, nil
}

// SharedSecret computes the X25519 shared secret. Both parties computing
// with their own private key and the other's public key yield the same
// secret.
func SharedSecret(private, peerPublic []byte) ([]byte, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes (got %d)", ErrKeyFormat, KeySize, len(private))
	}
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes (got %d)", ErrKeyFormat, KeySize, len(peerPublic))
	}

	privKey, err := curve.NewPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrKeyFormat, err)
	}
	pubKey, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: parse peer public key: %v", ErrKeyFormat, err)
	}

	secret, err := privKey.ECDH(pubKey)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	if isZero(secret) {
		return nil, errors.New("shared secret is all zeros")
	}
	return secret, nil
}

// SessionKey derives the fixed-length symmetric session key from a raw
// shared secret. Deterministic given the same secret.
func SessionKey(sharedSecret []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret required")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, sessionKeyInfo), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Zero overwrites the private key in-place.
func (k *KeyPair) Zero() {
	zeroBytes(k.Private)
}

func isZero(b []byte) bool {
	acc := byte(0)
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
