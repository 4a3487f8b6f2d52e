package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/metrics"
	"github.com/rhizomelab/dialtone/internal/signal"
)

func offerEnvelope(callID, senderID string) signal.Envelope {
	return signal.Envelope{
		Kind:     signal.KindOffer,
		CallID:   callID,
		SenderID: senderID,
		SDP:      &signal.SDP{Type: "offer", SDP: "v=0 fake"},
	}
}

type envelopeSink struct {
	mu   sync.Mutex
	got  []signal.Envelope
	cond chan struct{}
}

func newEnvelopeSink() *envelopeSink {
	return &envelopeSink{cond: make(chan struct{}, 64)}
}

func (s *envelopeSink) accept(env signal.Envelope) {
	s.mu.Lock()
	s.got = append(s.got, env)
	s.mu.Unlock()
	select {
	case s.cond <- struct{}{}:
	default:
	}
}

func (s *envelopeSink) waitN(t *testing.T, n int) []signal.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		if len(s.got) >= n {
			out := append([]signal.Envelope(nil), s.got...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		select {
		case <-s.cond:
		case <-deadline:
			t.Fatalf("timed out waiting for %d envelopes", n)
		}
	}
}

func TestBus_BidirectionalFilteringOwnMessages(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)
	m := metrics.New()

	alice := bus.Endpoint("call-1", "alice", 16, m)
	bob := bus.Endpoint("call-1", "bob", 16, m)

	aliceSink := newEnvelopeSink()
	bobSink := newEnvelopeSink()
	alice.OnMessage(aliceSink.accept)
	bob.OnMessage(bobSink.accept)

	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	defer alice.Close()
	defer bob.Close()

	if err := alice.Send(offerEnvelope("call-1", "alice")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := bobSink.waitN(t, 1)
	if got[0].Kind != signal.KindOffer || got[0].SenderID != "alice" {
		t.Fatalf("unexpected envelope %+v", got[0])
	}

	// The sender must not hear its own message.
	time.Sleep(20 * time.Millisecond)
	aliceSink.mu.Lock()
	n := len(aliceSink.got)
	aliceSink.mu.Unlock()
	if n != 0 {
		t.Fatalf("sender received own message")
	}
}

func TestBus_SendBeforeConnectQueuesInOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)
	m := metrics.New()

	alice := bus.Endpoint("call-1", "alice", 16, m)
	bob := bus.Endpoint("call-1", "bob", 16, m)
	bobSink := newEnvelopeSink()
	bob.OnMessage(bobSink.accept)

	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	defer bob.Close()

	// Queued while alice is still "connecting".
	if err := alice.Send(offerEnvelope("call-1", "alice")); err != nil {
		t.Fatalf("queue offer: %v", err)
	}
	cand := signal.Envelope{
		Kind: signal.KindCandidate, CallID: "call-1", SenderID: "alice",
		Candidate: &signal.Candidate{Candidate: "candidate:1 1 udp 1 203.0.113.1 4242 typ host"},
	}
	if err := alice.Send(cand); err != nil {
		t.Fatalf("queue candidate: %v", err)
	}

	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	defer alice.Close()

	got := bobSink.waitN(t, 2)
	if got[0].Kind != signal.KindOffer || got[1].Kind != signal.KindCandidate {
		t.Fatalf("flush out of order: %v then %v", got[0].Kind, got[1].Kind)
	}
}

func TestBus_QueueOverflow(t *testing.T) {
	bus := NewBus(nil)
	m := metrics.New()
	alice := bus.Endpoint("call-1", "alice", 2, m)

	for i := 0; i < 2; i++ {
		if err := alice.Send(offerEnvelope("call-1", "alice")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := alice.Send(offerEnvelope("call-1", "alice")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	if m.Get(metrics.SendQueueOverflow) != 1 {
		t.Fatalf("overflow counter = %d", m.Get(metrics.SendQueueOverflow))
	}
}

func TestBus_CloseIsIdempotentAndTerminal(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)
	m := metrics.New()
	alice := bus.Endpoint("call-1", "alice", 16, m)

	var closeCalls int
	alice.OnClose(func(err error) {
		closeCalls++
		if err != nil {
			t.Errorf("local close cause = %v, want nil", err)
		}
	})

	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if closeCalls != 1 {
		t.Fatalf("onClose fired %d times", closeCalls)
	}
	if err := alice.Send(offerEnvelope("call-1", "alice")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: got %v, want ErrClosed", err)
	}
}

func TestBus_LateJoinerReplaysBacklog(t *testing.T) {
	ctx := context.Background()
	store := callstore.NewMemoryStore()
	bus := NewBus(store)
	m := metrics.New()

	alice := bus.Endpoint("call-1", "alice", 16, m)
	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	defer alice.Close()

	if err := alice.Send(offerEnvelope("call-1", "alice")); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Wait for the append before joining bob so the offer is backlog, not
	// live traffic.
	waitForLog(t, store, "call-1", 1)

	bob := bus.Endpoint("call-1", "bob", 16, m)
	bobSink := newEnvelopeSink()
	bob.OnMessage(bobSink.accept)
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	defer bob.Close()

	got := bobSink.waitN(t, 1)
	if got[0].Kind != signal.KindOffer || got[0].SenderID != "alice" {
		t.Fatalf("unexpected backlog envelope %+v", got[0])
	}
}

func TestBus_NoLossWhenJoiningDuringPublish(t *testing.T) {
	ctx := context.Background()
	store := callstore.NewMemoryStore()
	bus := NewBus(store)
	m := metrics.New()

	const total = 40
	candEnv := func(i int) signal.Envelope {
		return signal.Envelope{
			Kind: signal.KindCandidate, CallID: "call-1", SenderID: "alice",
			Candidate: &signal.Candidate{
				Candidate: fmt.Sprintf("candidate:%d 1 udp 1 203.0.113.1 4242 typ host", i),
			},
		}
	}

	// The peer publishes a stream while bob is in the middle of connecting.
	// Every message lands either in the backlog bob replays or in the live
	// fan-out after bob joined; none may fall between the two.
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < total; i++ {
			if err := bus.publish(ctx, candEnv(i)); err != nil {
				t.Errorf("publish %d: %v", i, err)
				return
			}
		}
	}()

	bob := bus.Endpoint("call-1", "bob", 2*total, m)
	bobSink := newEnvelopeSink()
	bob.OnMessage(bobSink.accept)
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	defer bob.Close()
	<-published

	// Replay plus live delivery may duplicate a message; it must never drop
	// one.
	seen := make(map[string]bool)
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < total && time.Now().Before(deadline) {
		bobSink.mu.Lock()
		for _, env := range bobSink.got {
			seen[env.Candidate.Candidate] = true
		}
		bobSink.mu.Unlock()
		if len(seen) < total {
			time.Sleep(2 * time.Millisecond)
		}
	}
	if len(seen) != total {
		t.Fatalf("observed %d distinct messages, want %d", len(seen), total)
	}
}

func waitForLog(t *testing.T, store callstore.Store, callID string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := store.SignalsSince(context.Background(), callID, 0)
		if err != nil {
			t.Fatalf("signals since: %v", err)
		}
		if len(entries) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("log never reached %d entries", n)
}
