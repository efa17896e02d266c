package session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// chatEnvelope frames an encrypted payload on the data channel. Message
// is base64(nonce || ciphertext).
type chatEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const chatEnvelopeType = "encrypted-message"

func encodeChatEnvelope(sealed []byte) ([]byte, error) {
	return json.Marshal(chatEnvelope{
		Type:    chatEnvelopeType,
		Message: base64.StdEncoding.EncodeToString(sealed),
	})
}

// decodeChatEnvelope extracts the sealed blob from a data-channel frame.
func decodeChatEnvelope(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env chatEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode chat envelope: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing data")
	}
	if env.Type != chatEnvelopeType {
		return nil, fmt.Errorf("unexpected data channel message type %q", env.Type)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Message)
	if err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	return sealed, nil
}
