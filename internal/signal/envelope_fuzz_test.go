package signal

import (
	"encoding/json"
	"reflect"
	"testing"
)

func FuzzParseEnvelope(f *testing.F) {
	f.Add([]byte(`{"type":"register","sender":"pk-a"}`))
	f.Add([]byte(`{"type":"initiate","sender":"pk-a","recipient":"pk-b"}`))
	f.Add([]byte(`{"type":"offer","sender":"pk-a","recipient":"pk-b","offer":{"type":"offer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"ice-candidate","sender":"pk-a","recipient":"pk-b","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
	f.Add([]byte(`{"type":"ecdh-public-key","sender":"pk-a","recipient":"pk-b","key":"QUJDRA=="}`))
	f.Add([]byte(`{"type":"init","isInitiator":true}`))
	f.Add([]byte(`{"type":"error","message":"Room is full"}`))

	// Known-bad cases from unit tests and common mistakes.
	f.Add([]byte(`{"type":"register","sender":"pk-a","unexpected":true}`))
	f.Add([]byte(`{"type":"register","sender":"pk-a"}{}`))
	f.Add([]byte(`{"type":"bogus"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		env1, err1 := Parse(data)
		env2, err2 := Parse(data)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("non-deterministic parse result: err1=%v err2=%v", err1, err2)
		}
		if err1 != nil {
			return
		}

		// Successful parses must always produce an envelope that validates.
		if err := env1.Validate(); err != nil {
			t.Fatalf("Validate() failed after successful parse: %v", err)
		}
		if !reflect.DeepEqual(env1, env2) {
			t.Fatalf("non-deterministic parse output: env1=%#v env2=%#v", env1, env2)
		}

		// Round-trip through JSON should preserve semantics and remain strict.
		b, err := json.Marshal(env1)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		round, err := Parse(b)
		if err != nil {
			t.Fatalf("re-parse marshaled envelope: %v (json=%q)", err, string(b))
		}
		if !reflect.DeepEqual(env1, round) {
			t.Fatalf("round-trip mismatch: env=%#v round=%#v json=%q", env1, round, string(b))
		}
	})
}
