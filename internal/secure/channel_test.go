package secure

import (
	"bytes"
	"errors"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestChannelRoundTrip(t *testing.T) {
	ch := NewChannel()
	if err := ch.SetKey(testKey(t)); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	for _, plaintext := range [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xab}, 4096),
	} {
		blob, err := ch.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if len(blob) < NonceSize {
			t.Fatalf("blob too short: %d bytes", len(blob))
		}
		got, err := ch.Open(blob)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestChannelNonceFreshness(t *testing.T) {
	ch := NewChannel()
	if err := ch.SetKey(testKey(t)); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	a, err := ch.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := ch.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("sealing the same plaintext twice produced identical blobs")
	}
	if bytes.Equal(a[:NonceSize], b[:NonceSize]) {
		t.Fatal("nonce reused across seals")
	}
}

func TestChannelTamperDetection(t *testing.T) {
	ch := NewChannel()
	if err := ch.SetKey(testKey(t)); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	blob, err := ch.Seal([]byte("integrity matters"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	for _, i := range []int{0, NonceSize, len(blob) - 1} {
		tampered := bytes.Clone(blob)
		tampered[i] ^= 0x01
		if _, err := ch.Open(tampered); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("Open of blob tampered at byte %d: got %v, want ErrDecrypt", i, err)
		}
	}

	// Channel must remain usable after a failed open.
	if _, err := ch.Open(blob); err != nil {
		t.Fatalf("Open after tamper failure: %v", err)
	}
}

func TestChannelShortBlob(t *testing.T) {
	ch := NewChannel()
	if err := ch.SetKey(testKey(t)); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	for _, blob := range [][]byte{nil, {}, make([]byte, NonceSize-1)} {
		if _, err := ch.Open(blob); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("Open(%d bytes): got %v, want ErrDecrypt", len(blob), err)
		}
	}
}

func TestChannelNotReady(t *testing.T) {
	ch := NewChannel()
	if ch.Ready() {
		t.Fatal("fresh channel reports ready")
	}
	if _, err := ch.Seal([]byte("x")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Seal before key: got %v, want ErrNotReady", err)
	}
	if _, err := ch.Open(make([]byte, NonceSize+16)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Open before key: got %v, want ErrNotReady", err)
	}
	if err := ch.SetKey(testKey(t)); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if !ch.Ready() {
		t.Fatal("channel not ready after SetKey")
	}
}

func TestChannelBadKeyLength(t *testing.T) {
	ch := NewChannel()
	for _, n := range []int{0, 16, 31, 33, 64} {
		if err := ch.SetKey(make([]byte, n)); err == nil {
			t.Fatalf("SetKey accepted %d-byte key", n)
		}
	}
	if ch.Ready() {
		t.Fatal("channel became ready from rejected key")
	}
}

func TestChannelsWithDifferentKeysDoNotInteroperate(t *testing.T) {
	a, b := NewChannel(), NewChannel()
	keyA := testKey(t)
	keyB := bytes.Clone(keyA)
	keyB[0] ^= 0xff
	if err := a.SetKey(keyA); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := b.SetKey(keyB); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	blob, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(blob); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("cross-key Open: got %v, want ErrDecrypt", err)
	}
}
