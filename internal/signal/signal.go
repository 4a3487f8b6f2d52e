// Package signal defines the wire format exchanged over a call's signaling
// channel: session descriptions, ICE candidates, and the remote-hangup notice.
//
// Messages are ephemeral in transit and append-only in the durable per-call
// log; they are never mutated after creation.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Kind discriminates the payload of an Envelope.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindCallEnded Kind = "call-ended"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
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

// Envelope is one unit of signaling traffic. SenderID and CallID route the
// message; exactly one of SDP/Candidate is set depending on Kind.
type Envelope struct {
	Kind      Kind       `json:"kind"`
	CallID    string     `json:"callId"`
	SenderID  string     `json:"senderId"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Parse decodes and validates a wire message. Unknown fields and trailing
// data are rejected so malformed peers fail loudly at the boundary.
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
	if e.CallID == "" {
		return fmt.Errorf("message missing callId")
	}
	if e.SenderID == "" {
		return fmt.Errorf("message missing senderId")
	}
	switch e.Kind {
	case KindOffer:
		if e.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if e.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", e.SDP.Type)
		}
		if e.Candidate != nil {
			return fmt.Errorf("offer message has unexpected candidate")
		}
	case KindAnswer:
		if e.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if e.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", e.SDP.Type)
		}
		if e.Candidate != nil {
			return fmt.Errorf("answer message has unexpected candidate")
		}
	case KindCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if e.SDP != nil {
			return fmt.Errorf("candidate message has unexpected sdp")
		}
	case KindCallEnded:
		if e.SDP != nil || e.Candidate != nil {
			return fmt.Errorf("call-ended message has unexpected payload")
		}
	default:
		return fmt.Errorf("unsupported message kind %q", e.Kind)
	}
	return nil
}

// Encode marshals the envelope for the wire and the durable log.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}
