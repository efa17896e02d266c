// Package signal models the relay wire protocol: the JSON envelopes peers
// exchange through the signaling relay while setting up a session.
//
// We intentionally avoid leaking any WebRTC library type into the wire
// model; this package models the protocol surface, not the implementation.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Type enumerates the closed set of envelope types understood by the relay
// and the session coordinator.
type Type string

const (
	// TypeRegister binds the sending connection to the identity in Sender.
	TypeRegister Type = "register"
	// TypeInitiate tells the recipient that the sender wants a session and
	// has taken the initiator role.
	TypeInitiate Type = "initiate"
	TypeOffer    Type = "offer"
	TypeAnswer   Type = "answer"
	// TypeCandidate carries one transport connectivity candidate.
	TypeCandidate Type = "ice-candidate"
	// TypePublicKey carries the sender's ephemeral X25519 public key, base64.
	TypePublicKey Type = "ecdh-public-key"
	// TypeEncryptionReady confirms the sender has derived the session key.
	TypeEncryptionReady Type = "encryption-ready"
	// TypeInit is sent relay->client by the two-party room variant to assign
	// the initiator/responder role on connect.
	TypeInit Type = "init"
	// TypeError is sent relay->client only; it is never relayed.
	TypeError Type = "error"
)

// SDP is a minimal JSON representation of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SDPFromPion converts a pion session description to its wire form.
func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of one ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the structured signaling message exchanged via the relay.
//
// Recipient empty means broadcast to every registered identity except
// Sender. All payload fields are optional and type-dependent; Validate
// enforces which fields accompany which type.
type Envelope struct {
	Type      Type   `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// Key is the base64-encoded ephemeral public key for TypePublicKey.
	Key string `json:"key,omitempty"`

	// Message is the human-readable text for TypeError.
	Message string `json:"message,omitempty"`

	// IsInitiator is set on TypeInit in the two-party room variant.
	IsInitiator *bool `json:"isInitiator,omitempty"`
}

// Parse decodes and validates a single envelope, rejecting unknown fields
// and trailing data.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeRegister:
		if e.Sender == "" {
			return fmt.Errorf("register envelope missing sender identity")
		}
		if e.Recipient != "" || e.hasPayload() {
			return fmt.Errorf("register envelope has unexpected fields")
		}
	case TypeInitiate:
		if err := e.requireAddressing(); err != nil {
			return err
		}
		if e.hasPayload() {
			return fmt.Errorf("initiate envelope has unexpected fields")
		}
	case TypeOffer:
		if err := e.requireAddressing(); err != nil {
			return err
		}
		if e.Offer == nil {
			return fmt.Errorf("offer envelope missing offer")
		}
		if e.Offer.Type != "offer" {
			return fmt.Errorf("offer envelope has offer.type=%q", e.Offer.Type)
		}
		if e.Answer != nil || e.Candidate != nil || e.Key != "" || e.Message != "" || e.IsInitiator != nil {
			return fmt.Errorf("offer envelope has unexpected fields")
		}
	case TypeAnswer:
		if err := e.requireAddressing(); err != nil {
			return err
		}
		if e.Answer == nil {
			return fmt.Errorf("answer envelope missing answer")
		}
		if e.Answer.Type != "answer" {
			return fmt.Errorf("answer envelope has answer.type=%q", e.Answer.Type)
		}
		if e.Offer != nil || e.Candidate != nil || e.Key != "" || e.Message != "" || e.IsInitiator != nil {
			return fmt.Errorf("answer envelope has unexpected fields")
		}
	case TypeCandidate:
		if err := e.requireAddressing(); err != nil {
			return err
		}
		if e.Candidate == nil {
			return fmt.Errorf("ice-candidate envelope missing candidate")
		}
		if e.Offer != nil || e.Answer != nil || e.Key != "" || e.Message != "" || e.IsInitiator != nil {
			return fmt.Errorf("ice-candidate envelope has unexpected fields")
		}
	case TypePublicKey:
		if err := e.requireAddressing(); err != nil {
			return err
		}
		if e.Key == "" {
			return fmt.Errorf("ecdh-public-key envelope missing key")
		}
		if e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Message != "" || e.IsInitiator != nil {
			return fmt.Errorf("ecdh-public-key envelope has unexpected fields")
		}
	case TypeEncryptionReady:
		if err := e.requireAddressing(); err != nil {
			return err
		}
		if e.hasPayload() {
			return fmt.Errorf("encryption-ready envelope has unexpected fields")
		}
	case TypeInit:
		if e.IsInitiator == nil {
			return fmt.Errorf("init envelope missing isInitiator")
		}
		if e.Sender != "" || e.Recipient != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Key != "" || e.Message != "" {
			return fmt.Errorf("init envelope has unexpected fields")
		}
	case TypeError:
		if e.Message == "" {
			return fmt.Errorf("error envelope missing message")
		}
		if e.Sender != "" || e.Recipient != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Key != "" || e.IsInitiator != nil {
			return fmt.Errorf("error envelope has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

// requireAddressing checks the sender/recipient pair on peer-to-peer
// envelope types. Recipient may be empty (broadcast), Sender may not.
func (e Envelope) requireAddressing() error {
	if e.Sender == "" {
		return fmt.Errorf("%s envelope missing sender", e.Type)
	}
	return nil
}

func (e Envelope) hasPayload() bool {
	return e.Offer != nil || e.Answer != nil || e.Candidate != nil || e.Key != "" || e.Message != "" || e.IsInitiator != nil
}

// Encode marshals the envelope for transmission.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}
