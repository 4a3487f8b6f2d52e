package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/config"
	"github.com/rhizomelab/dialtone/internal/media"
	"github.com/rhizomelab/dialtone/internal/metrics"
	"github.com/rhizomelab/dialtone/internal/negotiation"
	"github.com/rhizomelab/dialtone/internal/signal"
	"github.com/rhizomelab/dialtone/internal/transport"
)

// ErrCallEnded is returned by operations on a call that already tore down.
var ErrCallEnded = errors.New("session: call ended")

type callParams struct {
	id      string
	selfID  string
	peerID  string
	mode    callstore.Mode
	role    Role
	initial CallState

	cfg     config.Config
	store   callstore.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   Clock

	engine media.Engine
	tp     transport.Transport
}

// Call is one live call. All lifecycle decisions run on the event loop
// goroutine; public methods post work to it, so any callback ordering from
// the transport and engine resolves to one serialized history.
type Call struct {
	id     string
	selfID string
	peerID string
	mode   callstore.Mode
	role   Role

	cfg     config.Config
	store   callstore.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   Clock

	engine  media.Engine
	tp      transport.Transport
	machine *negotiation.Machine
	buffer  *negotiation.CandidateBuffer
	recon   *Reconnector
	quality *QualityMonitor

	cmds     chan func()
	done     chan struct{}
	loopDone chan struct{}
	events   chan Event

	// mu guards the fields read by public accessors; the loop is the only
	// writer.
	mu          sync.Mutex
	state       CallState
	connectedAt time.Time
	talked      time.Duration

	endReason EndReason // guarded by mu

	// loop-owned
	mediaUp      bool
	everUp       bool
	pendingOffer *signal.SDP
	graceTimer   *time.Timer
	retryTimer   *time.Timer
	statsTicker  *time.Ticker
	statsOnce    sync.Once
}

func newCall(p callParams) *Call {
	c := &Call{
		id:       p.id,
		selfID:   p.selfID,
		peerID:   p.peerID,
		mode:     p.mode,
		role:     p.role,
		cfg:      p.cfg,
		store:    p.store,
		metrics:  p.metrics,
		log:      p.log,
		clock:    p.clock,
		engine:   p.engine,
		tp:       p.tp,
		machine:  negotiation.NewMachine(p.metrics, p.log),
		buffer:   negotiation.NewCandidateBuffer(),
		recon:    NewReconnector(p.cfg.MaxReconnectAttempts, p.cfg.ReconnectBackoff),
		quality:  NewQualityMonitor(p.cfg.CriticalQualityWindow),
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		events:   make(chan Event, 32),
		state:    p.initial,
	}
	go c.run()
	go c.watchRecord()
	return c
}

func (c *Call) ID() string           { return c.id }
func (c *Call) PeerID() string       { return c.peerID }
func (c *Call) Mode() callstore.Mode { return c.mode }
func (c *Call) Role() Role           { return c.role }

// Events delivers call events. The channel is never closed; consumers stop
// after the ended event.
func (c *Call) Events() <-chan Event { return c.events }

func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EndedReason reports why the call ended. Empty while the call is live.
func (c *Call) EndedReason() EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// Duration is the accumulated connected time. Reconnecting pauses the
// count; recovery resumes it.
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.talked
	if c.state == CallConnected && !c.connectedAt.IsZero() {
		d += c.clock.Now().Sub(c.connectedAt)
	}
	return d
}

func (c *Call) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			// Drain so waiters posted before shutdown still get answers;
			// their closures all no-op against the ended state.
			for {
				select {
				case fn := <-c.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (c *Call) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// do runs fn on the event loop and waits for its result. Waiting on
// loopDone rather than done lets a closure that itself ends the call still
// report its own result.
func (c *Call) do(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case c.cmds <- func() { errCh <- fn() }:
	case <-c.done:
		return ErrCallEnded
	}
	select {
	case err := <-errCh:
		return err
	case <-c.loopDone:
		select {
		case err := <-errCh:
			return err
		default:
			return ErrCallEnded
		}
	}
}

// startCaller claims media, connects signaling and sends the first offer.
func (c *Call) startCaller(ctx context.Context) error {
	if err := c.engine.AcquireMedia(c.mode); err != nil {
		c.metrics.Inc(metrics.MediaAcquireFailure)
		c.post(func() { c.end(EndMediaFailure, false, true) })
		return fmt.Errorf("session: acquire media: %w", err)
	}
	c.wire()

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.tp.Connect(connectCtx); err != nil {
		c.post(func() { c.end(EndSetupFailure, false, false) })
		return fmt.Errorf("session: connect signaling: %w", err)
	}

	return c.do(func() error {
		if err := c.machine.MarkLocalOffer(); err != nil {
			return err
		}
		offer, err := c.engine.CreateOffer(ctx, false)
		if err != nil {
			c.end(EndSetupFailure, true, true)
			return fmt.Errorf("session: create offer: %w", err)
		}
		return c.sendSDP(signal.KindOffer, offer)
	})
}

// startReceiver connects signaling so the offer and early candidates are
// observed while the call rings. Media stays unclaimed until Accept.
func (c *Call) startReceiver(ctx context.Context) error {
	c.wire()
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.tp.Connect(connectCtx); err != nil {
		c.post(func() { c.end(EndSetupFailure, false, false) })
		return fmt.Errorf("session: connect signaling: %w", err)
	}
	return nil
}

func (c *Call) wire() {
	c.engine.OnICECandidate(func(cand signal.Candidate) {
		err := c.tp.Send(signal.Envelope{
			Kind:      signal.KindCandidate,
			CallID:    c.id,
			SenderID:  c.selfID,
			Candidate: &cand,
		})
		if err != nil && !errors.Is(err, transport.ErrClosed) {
			c.log.Warn("failed to send ice candidate", "err", err)
		}
	})
	c.engine.OnConnectionStateChange(func(s media.ConnState) {
		c.post(func() { c.handleConnState(s) })
	})
	c.tp.OnMessage(func(env signal.Envelope) {
		c.post(func() { c.handleSignal(env) })
	})
	c.tp.OnClose(func(err error) {
		if err == nil {
			return
		}
		c.post(func() { c.handleTransportLost(err) })
	})
}

// Accept claims media, marks the record accepted and answers the stashed
// offer if it already arrived. Receiver only, from ringing.
func (c *Call) Accept(ctx context.Context) error {
	return c.do(func() error {
		if c.role != RoleReceiver {
			return fmt.Errorf("session: only the receiver accepts")
		}
		if c.State() != CallRinging {
			return fmt.Errorf("session: cannot accept in state %q", c.State())
		}
		if err := c.engine.AcquireMedia(c.mode); err != nil {
			c.metrics.Inc(metrics.MediaAcquireFailure)
			c.end(EndMediaFailure, true, true)
			return fmt.Errorf("session: acquire media: %w", err)
		}
		// Store writes run inline on the loop; the store is in-process
		// (SQLite or memory) so they cannot stall delivery long. A store
		// with a network hop would need these handed off and the result
		// posted back as an event.
		if _, err := c.store.UpdateCallStatus(ctx, c.id, callstore.StatusAccepted, c.clock.Now()); err != nil {
			c.end(EndSetupFailure, true, true)
			return fmt.Errorf("session: mark call accepted: %w", err)
		}
		c.metrics.Inc(metrics.CallsAccepted)
		c.setState(CallConnecting)

		if c.pendingOffer != nil {
			offer := *c.pendingOffer
			c.pendingOffer = nil
			return c.applyRemoteOffer(offer)
		}
		return nil
	})
}

// Reject declines a ringing call: the record turns rejected and the caller
// is notified over signaling.
func (c *Call) Reject(ctx context.Context) error {
	return c.do(func() error {
		if c.role != RoleReceiver {
			return fmt.Errorf("session: only the receiver rejects")
		}
		if c.State() != CallRinging {
			return fmt.Errorf("session: cannot reject in state %q", c.State())
		}
		if _, err := c.store.UpdateCallStatus(ctx, c.id, callstore.StatusRejected, c.clock.Now()); err != nil {
			c.log.Warn("failed to mark call rejected", "err", err)
		}
		c.metrics.Inc(metrics.CallsRejected)
		c.end(EndRejected, false, true)
		return nil
	})
}

// HangUp ends the call from this side. Idempotent: hanging up an ended call
// is a no-op.
func (c *Call) HangUp(ctx context.Context) error {
	err := c.do(func() error {
		if c.State() == CallEnded {
			return nil
		}
		c.end(EndLocalHangup, true, true)
		return nil
	})
	if errors.Is(err, ErrCallEnded) {
		return nil
	}
	return err
}

// RetryReconnect restores the attempt budget after exhaustion and tries
// again immediately.
func (c *Call) RetryReconnect() error {
	return c.do(func() error {
		if c.State() != CallReconnecting {
			return fmt.Errorf("session: cannot retry in state %q", c.State())
		}
		c.recon.Reset()
		if _, ok := c.recon.Next(); ok {
			c.metrics.Inc(metrics.ReconnectAttempt)
			c.attemptReconnect()
		}
		return nil
	})
}

func (c *Call) handleSignal(env signal.Envelope) {
	if c.State() == CallEnded {
		c.metrics.Inc(metrics.SignalDroppedAfterClose)
		return
	}

	switch env.Kind {
	case signal.KindOffer:
		if c.role == RoleReceiver && c.State() == CallRinging {
			// Hold the offer until the user accepts; a renegotiated offer
			// replaces an older stashed one.
			c.pendingOffer = env.SDP
			return
		}
		if err := c.applyRemoteOffer(*env.SDP); err != nil {
			c.log.Warn("failed to apply remote offer", "err", err)
		}

	case signal.KindAnswer:
		if !c.machine.AcceptRemoteAnswer() {
			return
		}
		if err := c.engine.SetRemoteDescription(*env.SDP); err != nil {
			c.log.Warn("failed to apply remote answer", "err", err)
			return
		}
		c.drainCandidates()
		c.maybeConnected()

	case signal.KindCandidate:
		if c.buffer.Add(*env.Candidate) {
			if err := c.engine.AddICECandidate(*env.Candidate); err != nil {
				c.log.Warn("failed to add ice candidate", "err", err)
			}
		}

	case signal.KindCallEnded:
		c.end(c.remoteEndReason(), false, false)
	}
}

// applyRemoteOffer answers an acceptable incoming offer: initial negotiation
// on the receiver and restart offers on either side.
func (c *Call) applyRemoteOffer(offer signal.SDP) error {
	if !c.machine.AcceptRemoteOffer() {
		return nil
	}
	c.buffer.Reset()
	if err := c.engine.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	c.drainCandidates()
	answer, err := c.engine.CreateAnswer(context.Background())
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.machine.MarkLocalAnswer(); err != nil {
		return err
	}
	if err := c.sendSDP(signal.KindAnswer, answer); err != nil {
		return err
	}
	c.maybeConnected()
	return nil
}

// drainCandidates releases the buffered early candidates, once, in arrival
// order.
func (c *Call) drainCandidates() {
	for _, cand := range c.buffer.Drain() {
		if err := c.engine.AddICECandidate(cand); err != nil {
			c.log.Warn("failed to add buffered ice candidate", "err", err)
		}
	}
}

func (c *Call) handleConnState(s media.ConnState) {
	if c.State() == CallEnded {
		return
	}
	switch s {
	case media.ConnConnected:
		c.mediaUp = true
		c.stopTimer(&c.graceTimer)
		c.stopTimer(&c.retryTimer)
		if c.everUp {
			c.metrics.Inc(metrics.ReconnectRecovered)
		}
		c.recon.NoteConnected()
		c.maybeConnected()

	case media.ConnDisconnected:
		// Often transient; give it the grace period before reacting.
		c.pauseTalkTime()
		c.mediaUp = false
		if c.graceTimer == nil {
			c.graceTimer = time.AfterFunc(c.cfg.DisconnectedGrace, func() {
				c.post(func() {
					c.graceTimer = nil
					if !c.mediaUp {
						c.beginReconnect()
					}
				})
			})
		}

	case media.ConnFailed:
		c.pauseTalkTime()
		c.mediaUp = false
		c.stopTimer(&c.graceTimer)
		c.beginReconnect()

	case media.ConnClosed:
		c.end(EndMediaFailure, true, true)
	}
}

// watchRecord mirrors the persisted call record into the live call. The
// record is the durable source of call status: a peer that persists its end
// and then dies, or ends while this side's signaling link is down, still
// terminates this call even though no call-ended notice ever arrives.
func (c *Call) watchRecord() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	watcher := callstore.NewWatcher(c.store, c.cfg.WatchInterval, c.log)
	for rec := range watcher.WatchCall(ctx, c.id) {
		if !rec.Status.Terminal() {
			continue
		}
		status := rec.Status
		c.post(func() { c.handleRecordTerminal(status) })
		return
	}
}

func (c *Call) handleRecordTerminal(status callstore.Status) {
	if c.State() == CallEnded {
		return
	}
	reason := EndRemoteHangup
	if status == callstore.StatusRejected {
		reason = EndRejected
	}
	c.log.Info("call record turned terminal", "status", string(status))
	c.end(reason, false, false)
}

func (c *Call) handleTransportLost(err error) {
	if c.State() == CallEnded {
		return
	}
	// Losing signaling mid-call does not drop media, but negotiation and
	// recovery are impossible without it.
	c.log.Warn("signaling transport lost", "err", err)
	if c.State() == CallConnecting || c.State() == CallRinging {
		c.end(EndSetupFailure, true, true)
	}
}

// maybeConnected flips to connected only when both halves agree: the
// handshake is settled and media reports connected.
func (c *Call) maybeConnected() {
	if !c.mediaUp || c.machine.State() != negotiation.StateStable {
		return
	}
	switch c.State() {
	case CallConnecting, CallReconnecting:
		c.everUp = true
		c.resumeTalkTime()
		c.setState(CallConnected)
		c.startQualityPolling()
	case CallConnected:
		// Recovered within the grace period; the timer paused on the
		// disconnect and picks back up here.
		c.resumeTalkTime()
	}
}

func (c *Call) beginReconnect() {
	if c.State() == CallEnded {
		return
	}
	if c.State() != CallReconnecting {
		c.setState(CallReconnecting)
	}
	c.scheduleReconnect()
}

func (c *Call) scheduleReconnect() {
	delay, ok := c.recon.Next()
	if !ok {
		c.metrics.Inc(metrics.ReconnectExhausted)
		c.log.Warn("reconnect attempts exhausted", "attempts", c.recon.Attempts())
		c.emit(Event{Type: EventReconnectExhausted, State: CallReconnecting})
		return
	}
	c.metrics.Inc(metrics.ReconnectAttempt)
	c.retryTimer = time.AfterFunc(delay, func() {
		c.post(func() {
			c.retryTimer = nil
			c.attemptReconnect()
		})
	})
}

// attemptReconnect performs one recovery attempt. Only the caller produces
// the restart offer; the receiver answers it when it arrives, which keeps
// the two sides from offering into each other after a shared outage.
func (c *Call) attemptReconnect() {
	if c.State() != CallReconnecting {
		return
	}
	// Each attempt restarts negotiation from scratch: an offer the outage
	// left unanswered is abandoned, not waited on.
	c.machine.Rollback()
	if c.role == RoleCaller {
		if err := c.machine.MarkLocalOffer(); err == nil {
			c.buffer.Reset()
			offer, err := c.engine.CreateOffer(context.Background(), true)
			if err != nil {
				c.log.Warn("ice restart offer failed", "err", err)
			} else if err := c.sendSDP(signal.KindOffer, offer); err != nil {
				c.log.Warn("failed to send restart offer", "err", err)
			}
		}
	}
	c.scheduleReconnect()
}

func (c *Call) startQualityPolling() {
	c.statsOnce.Do(func() {
		interval := c.cfg.QualityPollInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		c.statsTicker = time.NewTicker(interval)
		go func() {
			for {
				select {
				case <-c.done:
					return
				case <-c.statsTicker.C:
					c.post(c.pollQuality)
				}
			}
		}()
	})
}

func (c *Call) pollQuality() {
	if c.State() != CallConnected {
		return
	}
	stats, err := c.engine.Stats()
	if err != nil {
		c.log.Warn("stats poll failed", "err", err)
		return
	}
	level, changed, sustained := c.quality.Observe(stats)
	if changed {
		c.emit(Event{Type: EventQualityChanged, Quality: level})
	}
	if sustained {
		// The link is up but unusable; treat it like a drop and restart.
		c.log.Warn("quality critical, forcing reconnect",
			"lossPercent", stats.PacketLossPercent, "rtt", stats.RTT)
		c.pauseTalkTime()
		c.mediaUp = false
		c.beginReconnect()
	}
}

func (c *Call) sendSDP(kind signal.Kind, sdp signal.SDP) error {
	return c.tp.Send(signal.Envelope{
		Kind:     kind,
		CallID:   c.id,
		SenderID: c.selfID,
		SDP:      &sdp,
	})
}

func (c *Call) sendCallEnded() {
	err := c.tp.Send(signal.Envelope{
		Kind:     signal.KindCallEnded,
		CallID:   c.id,
		SenderID: c.selfID,
	})
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		c.log.Warn("failed to send call-ended", "err", err)
	}
}

// remoteEndReason distinguishes a rejection from a plain remote hangup by
// the record the other side already wrote.
func (c *Call) remoteEndReason() EndReason {
	rec, err := c.store.GetCall(context.Background(), c.id)
	if err == nil && rec.Status == callstore.StatusRejected {
		return EndRejected
	}
	return EndRemoteHangup
}

func (c *Call) pauseTalkTime() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CallConnected && !c.connectedAt.IsZero() {
		c.talked += c.clock.Now().Sub(c.connectedAt)
		c.connectedAt = time.Time{}
	}
}

func (c *Call) resumeTalkTime() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedAt.IsZero() {
		c.connectedAt = c.clock.Now()
	}
}

// end tears the call down. It runs on the event loop and is a no-op the
// second time: every exit path funnels here and release happens once.
func (c *Call) end(reason EndReason, updateStore, notifyPeer bool) {
	if c.State() == CallEnded {
		return
	}
	c.pauseTalkTime()
	c.stopTimer(&c.graceTimer)
	c.stopTimer(&c.retryTimer)
	if c.statsTicker != nil {
		c.statsTicker.Stop()
	}

	if notifyPeer {
		c.sendCallEnded()
	}

	if updateStore {
		// Inline on the loop, like every store write here: teardown is the
		// last thing this loop does, so a slow local write delays nothing
		// but the ended event.
		if _, err := c.store.UpdateCallStatus(context.Background(), c.id, callstore.StatusEnded, c.clock.Now()); err != nil {
			// The other side may have won the race with a terminal status;
			// the record is already settled either way.
			c.log.Debug("end-state store update skipped", "err", err)
		}
	}
	c.metrics.Inc(metrics.CallsEnded)

	c.machine.Close()
	if err := c.engine.Close(); err != nil {
		c.log.Warn("engine close failed", "err", err)
	}
	_ = c.tp.Close()

	c.mu.Lock()
	c.endReason = reason
	c.state = CallEnded
	c.mu.Unlock()
	c.emit(Event{Type: EventEnded, State: CallEnded, Reason: reason, Duration: c.Duration()})
	c.log.Info("call ended", "reason", string(reason), "duration", c.Duration())
	close(c.done)
}

func (c *Call) setState(s CallState) {
	c.setStateNoEvent(s)
	c.emit(Event{Type: EventStateChanged, State: s})
}

func (c *Call) setStateNoEvent(s CallState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Call) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropping call event", "type", string(ev.Type))
	}
}

func (c *Call) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
