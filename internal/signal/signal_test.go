package signal

import (
	"testing"
)

func TestEnvelope_EncodeParseOffer(t *testing.T) {
	env := Envelope{
		Kind:     KindOffer,
		CallID:   "c1",
		SenderID: "u1",
		SDP: &SDP{
			Type: "offer",
			SDP:  "v=0",
		},
	}

	b, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Kind != KindOffer || got.CallID != "c1" || got.SenderID != "u1" {
		t.Fatalf("unexpected decoded envelope: %#v", got)
	}
	if got.SDP == nil || got.SDP.Type != "offer" || got.SDP.SDP != "v=0" {
		t.Fatalf("unexpected decoded sdp: %#v", got.SDP)
	}
}

func TestEnvelope_ParseCandidate(t *testing.T) {
	raw := []byte(`{
		"kind":"ice-candidate",
		"callId":"c1",
		"senderId":"u2",
		"candidate":{
			"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		}
	}`)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Kind != KindCandidate || got.Candidate == nil || got.Candidate.Candidate == "" {
		t.Fatalf("unexpected decoded candidate: %#v", got)
	}
}

func TestEnvelope_ParseRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{ "kind":"call-ended", "callId":"c1", "senderId":"u1", "unexpected": true }`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEnvelope_ValidateRejectsMismatchedPayload(t *testing.T) {
	cases := []Envelope{
		{Kind: KindOffer, CallID: "c1", SenderID: "u1"},                                     // offer without sdp
		{Kind: KindOffer, CallID: "c1", SenderID: "u1", SDP: &SDP{Type: "answer"}},          // wrong sdp type
		{Kind: KindAnswer, CallID: "c1", SenderID: "u1", SDP: &SDP{Type: "offer"}},          // wrong sdp type
		{Kind: KindCandidate, CallID: "c1", SenderID: "u1"},                                 // candidate without payload
		{Kind: KindCallEnded, CallID: "c1", SenderID: "u1", SDP: &SDP{Type: "offer"}},       // hangup carries no payload
		{Kind: KindOffer, SenderID: "u1", SDP: &SDP{Type: "offer"}},                         // missing callId
		{Kind: KindOffer, CallID: "c1", SDP: &SDP{Type: "offer"}},                           // missing senderId
		{Kind: "renegotiate", CallID: "c1", SenderID: "u1"},                                 // unknown kind
	}
	for i, env := range cases {
		if err := env.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %#v", i, env)
		}
	}
}

func TestSDP_ToPionRejectsUnknownType(t *testing.T) {
	if _, err := (SDP{Type: "pranswer", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected error")
	}
}
