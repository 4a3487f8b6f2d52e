package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/media"
	"github.com/rhizomelab/dialtone/internal/signal"
)

var errMediaDenied = errors.New("media devices unavailable")

func cand(i int) signal.Candidate {
	return signal.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 203.0.113.1 4242 typ host", i)}
}

// fakeEngine is a scripted media.Engine. Tests read back what the call core
// did to it and inject connectivity transitions and candidates.
type fakeEngine struct {
	mu sync.Mutex

	acquired    bool
	acquireMode callstore.Mode
	acquireErr  error

	offers      int
	restarts    int
	answers     int
	remoteDescs []signal.SDP
	candidates  []signal.Candidate
	closes      int

	stats media.Stats

	onCandidate func(signal.Candidate)
	onConnState func(media.ConnState)
}

var _ media.Engine = (*fakeEngine)(nil)

func (e *fakeEngine) AcquireMedia(mode callstore.Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acquireErr != nil {
		return e.acquireErr
	}
	e.acquired = true
	e.acquireMode = mode
	return nil
}

func (e *fakeEngine) CreateOffer(ctx context.Context, iceRestart bool) (signal.SDP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offers++
	if iceRestart {
		e.restarts++
	}
	return signal.SDP{Type: "offer", SDP: fmt.Sprintf("v=0 offer-%d", e.offers)}, nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) (signal.SDP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers++
	return signal.SDP{Type: "answer", SDP: fmt.Sprintf("v=0 answer-%d", e.answers)}, nil
}

func (e *fakeEngine) SetRemoteDescription(sdp signal.SDP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteDescs = append(e.remoteDescs, sdp)
	return nil
}

func (e *fakeEngine) AddICECandidate(c signal.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) OnICECandidate(fn func(signal.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

func (e *fakeEngine) OnConnectionStateChange(fn func(media.ConnState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnState = fn
}

func (e *fakeEngine) Stats() (media.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	if s.SampledAt.IsZero() {
		s.SampledAt = time.Now()
	}
	return s, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *fakeEngine) setConnState(s media.ConnState) {
	e.mu.Lock()
	fn := e.onConnState
	e.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (e *fakeEngine) emitCandidate(c signal.Candidate) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (e *fakeEngine) setStats(s media.Stats) {
	e.mu.Lock()
	e.stats = s
	e.mu.Unlock()
}

func (e *fakeEngine) snapshot() fakeEngineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fakeEngineSnapshot{
		acquired:    e.acquired,
		acquireMode: e.acquireMode,
		offers:      e.offers,
		restarts:    e.restarts,
		answers:     e.answers,
		remoteDescs: append([]signal.SDP(nil), e.remoteDescs...),
		candidates:  append([]signal.Candidate(nil), e.candidates...),
		closes:      e.closes,
	}
}

type fakeEngineSnapshot struct {
	acquired    bool
	acquireMode callstore.Mode
	offers      int
	restarts    int
	answers     int
	remoteDescs []signal.SDP
	candidates  []signal.Candidate
	closes      int
}

// fakeClock is a settable Clock for duration accounting.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
