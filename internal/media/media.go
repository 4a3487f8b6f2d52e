// Package media wraps the WebRTC peer connection behind a narrow engine
// interface. The call core drives negotiation and reconnection through this
// interface; tests substitute a scripted engine and never touch the network.
package media

import (
	"context"
	"time"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/signal"
)

// ConnState is the media transport's connectivity, collapsed to the states
// the call core acts on.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Stats is a point-in-time sample of the connection's receive quality.
type Stats struct {
	// PacketLossPercent is the fraction of expected packets lost over the
	// stream's lifetime, 0..100.
	PacketLossPercent float64
	// RTT is the most recent round-trip estimate. Zero when no remote
	// report has arrived yet.
	RTT time.Duration

	SampledAt time.Time
}

// Engine is one call's media session. Implementations are not required to
// be safe for concurrent mutation; the call core serializes access through
// its event loop.
type Engine interface {
	// AcquireMedia claims the local capture devices for the call mode and
	// attaches their tracks. Failure means the call cannot proceed.
	AcquireMedia(mode callstore.Mode) error

	// CreateOffer produces and installs a local offer. iceRestart forces
	// fresh ICE credentials for connection recovery.
	CreateOffer(ctx context.Context, iceRestart bool) (signal.SDP, error)

	// CreateAnswer produces and installs a local answer to the current
	// remote offer.
	CreateAnswer(ctx context.Context) (signal.SDP, error)

	SetRemoteDescription(sdp signal.SDP) error
	AddICECandidate(c signal.Candidate) error

	// OnICECandidate registers the trickle callback. Must be set before
	// negotiation starts.
	OnICECandidate(fn func(signal.Candidate))

	// OnConnectionStateChange registers the connectivity callback.
	OnConnectionStateChange(fn func(ConnState))

	// Stats samples the current receive quality.
	Stats() (Stats, error)

	// Close releases the peer connection and capture devices. Idempotent.
	Close() error
}
