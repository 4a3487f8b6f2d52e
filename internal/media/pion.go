package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/config"
	"github.com/rhizomelab/dialtone/internal/signal"
)

// PionEngine is the production Engine on top of a pion PeerConnection.
//
// The engine owns negotiation mechanics only. Its local tracks are sample
// sinks the embedding application feeds from its capture pipeline; remote
// tracks are surfaced through OnTrack.
type PionEngine struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu         sync.Mutex
	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample
	acquired   bool

	closeOnce sync.Once
	closeErr  error
}

var _ Engine = (*PionEngine)(nil)

// NewPionEngine builds a fresh peer connection for one call using the
// externally supplied ICE servers.
func NewPionEngine(cfg config.Config, log *slog.Logger) (*PionEngine, error) {
	if log == nil {
		log = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("media: register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(log),
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("media: create peer connection: %w", err)
	}

	return &PionEngine{pc: pc, log: log}, nil
}

func (e *PionEngine) AcquireMedia(mode callstore.Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acquired {
		return fmt.Errorf("media: already acquired")
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "dialtone",
	)
	if err != nil {
		return fmt.Errorf("media: create audio track: %w", err)
	}
	if _, err := e.pc.AddTrack(audio); err != nil {
		return fmt.Errorf("media: add audio track: %w", err)
	}
	e.audioTrack = audio

	if mode == callstore.ModeVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "dialtone",
		)
		if err != nil {
			return fmt.Errorf("media: create video track: %w", err)
		}
		if _, err := e.pc.AddTrack(video); err != nil {
			return fmt.Errorf("media: add video track: %w", err)
		}
		e.videoTrack = video
	}

	e.acquired = true
	return nil
}

// AudioTrack is the sink the application writes captured audio samples to.
// Nil until AcquireMedia succeeds.
func (e *PionEngine) AudioTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioTrack
}

// VideoTrack is the video sample sink. Nil for voice calls.
func (e *PionEngine) VideoTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoTrack
}

// OnTrack surfaces the remote party's incoming tracks to the application's
// playback pipeline.
func (e *PionEngine) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	e.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		fn(track, receiver)
	})
}

func (e *PionEngine) CreateOffer(ctx context.Context, iceRestart bool) (signal.SDP, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := e.pc.CreateOffer(opts)
	if err != nil {
		return signal.SDP{}, fmt.Errorf("media: create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return signal.SDP{}, fmt.Errorf("media: set local offer: %w", err)
	}
	return signal.SDPFromPion(offer), nil
}

func (e *PionEngine) CreateAnswer(ctx context.Context) (signal.SDP, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SDP{}, fmt.Errorf("media: create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return signal.SDP{}, fmt.Errorf("media: set local answer: %w", err)
	}
	return signal.SDPFromPion(answer), nil
}

func (e *PionEngine) SetRemoteDescription(sdp signal.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("media: set remote description: %w", err)
	}
	return nil
}

func (e *PionEngine) AddICECandidate(c signal.Candidate) error {
	if err := e.pc.AddICECandidate(c.ToPion()); err != nil {
		return fmt.Errorf("media: add ice candidate: %w", err)
	}
	return nil
}

func (e *PionEngine) OnICECandidate(fn func(signal.Candidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks end of gathering; trickle peers don't need it.
		if c == nil {
			return
		}
		fn(signal.CandidateFromPion(c.ToJSON()))
	})
}

func (e *PionEngine) OnConnectionStateChange(fn func(ConnState)) {
	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connStateFromPion(s))
	})
}

func (e *PionEngine) Stats() (Stats, error) {
	report := e.pc.GetStats()

	var (
		rtt      time.Duration
		lost     int64
		received int64
	)
	for _, s := range report {
		switch v := s.(type) {
		case webrtc.ICECandidatePairStats:
			if v.State == webrtc.StatsICECandidatePairStateSucceeded && v.CurrentRoundTripTime > 0 {
				rtt = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			lost += int64(v.PacketsLost)
			received += int64(v.PacketsReceived)
		}
	}

	stats := Stats{RTT: rtt, SampledAt: time.Now()}
	if expected := lost + received; expected > 0 {
		stats.PacketLossPercent = 100 * float64(lost) / float64(expected)
	}
	return stats, nil
}

func (e *PionEngine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.pc.Close()
	})
	return e.closeErr
}

func connStateFromPion(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnClosed
	default:
		return ConnNew
	}
}
