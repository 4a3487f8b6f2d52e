package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/config"
	"github.com/rhizomelab/dialtone/internal/media"
	"github.com/rhizomelab/dialtone/internal/metrics"
	"github.com/rhizomelab/dialtone/internal/transport"
)

// Deps are the controller's injected collaborators. NewTransport and
// NewEngine are factories so every call gets a fresh transport and peer
// connection; tests supply scripted fakes.
type Deps struct {
	Cfg     config.Config
	Store   callstore.Store
	Metrics *metrics.Metrics
	Log     *slog.Logger
	Clock   Clock

	// SelfID identifies this party in signaling envelopes and call records.
	SelfID string

	NewTransport func(callID string) (transport.Transport, error)
	NewEngine    func() (media.Engine, error)
}

// Controller places and answers calls for one local party.
type Controller struct {
	deps    Deps
	watcher *callstore.Watcher
}

func NewController(deps Deps) (*Controller, error) {
	if deps.SelfID == "" {
		return nil, fmt.Errorf("session: SelfID is required")
	}
	if deps.Store == nil || deps.NewTransport == nil || deps.NewEngine == nil {
		return nil, fmt.Errorf("session: Store, NewTransport and NewEngine are required")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	return &Controller{
		deps:    deps,
		watcher: callstore.NewWatcher(deps.Store, deps.Cfg.WatchInterval, deps.Log),
	}, nil
}

// PlaceCall creates the call record, claims local media, connects signaling
// and sends the initial offer. The returned call starts in CallConnecting.
func (c *Controller) PlaceCall(ctx context.Context, receiverID string, mode callstore.Mode) (*Call, error) {
	if receiverID == "" || receiverID == c.deps.SelfID {
		return nil, fmt.Errorf("session: invalid receiver %q", receiverID)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("session: invalid call mode %q", mode)
	}

	rec := callstore.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   c.deps.SelfID,
		ReceiverID: receiverID,
		Mode:       mode,
		Status:     callstore.StatusPending,
		CreatedAt:  c.deps.Clock.Now(),
	}
	if err := c.deps.Store.CreateCall(ctx, rec); err != nil {
		return nil, fmt.Errorf("session: create call record: %w", err)
	}
	c.deps.Metrics.Inc(metrics.CallsPlaced)

	call, err := c.newCall(rec, RoleCaller)
	if err != nil {
		c.abandonRecord(ctx, rec.ID)
		return nil, err
	}
	if err := call.startCaller(ctx); err != nil {
		c.abandonRecord(ctx, rec.ID)
		return nil, err
	}
	return call, nil
}

// AnswerCall attaches to a pending incoming call. The returned call is in
// CallRinging; the application decides with Accept or Reject.
func (c *Controller) AnswerCall(ctx context.Context, callID string) (*Call, error) {
	rec, err := c.deps.Store.GetCall(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("session: load call record: %w", err)
	}
	if rec.ReceiverID != c.deps.SelfID {
		return nil, fmt.Errorf("session: call %s is not addressed to %s", callID, c.deps.SelfID)
	}
	if rec.Status != callstore.StatusPending {
		return nil, fmt.Errorf("session: call %s is %s, not pending", callID, rec.Status)
	}

	call, err := c.newCall(rec, RoleReceiver)
	if err != nil {
		return nil, err
	}
	if err := call.startReceiver(ctx); err != nil {
		return nil, err
	}
	return call, nil
}

// IncomingCalls watches the store for calls addressed to this party. Ring
// events fire for new pending calls, withdrawn events when a pending call
// goes away before it was answered here.
func (c *Controller) IncomingCalls(ctx context.Context) <-chan callstore.IncomingEvent {
	return c.watcher.WatchIncoming(ctx, c.deps.SelfID)
}

func (c *Controller) newCall(rec callstore.CallRecord, role Role) (*Call, error) {
	engine, err := c.deps.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("session: create media engine: %w", err)
	}
	tp, err := c.deps.NewTransport(rec.ID)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("session: create transport: %w", err)
	}

	peerID := rec.ReceiverID
	initial := CallConnecting
	if role == RoleReceiver {
		peerID = rec.CallerID
		initial = CallRinging
	}
	return newCall(callParams{
		id:      rec.ID,
		selfID:  c.deps.SelfID,
		peerID:  peerID,
		mode:    rec.Mode,
		role:    role,
		initial: initial,
		cfg:     c.deps.Cfg,
		store:   c.deps.Store,
		metrics: c.deps.Metrics,
		log:     c.deps.Log.With("callId", rec.ID, "role", string(role)),
		clock:   c.deps.Clock,
		engine:  engine,
		tp:      tp,
	}), nil
}

// abandonRecord marks a record ended when setup failed before the call ever
// rang. Best effort; the record converges through the other party otherwise.
func (c *Controller) abandonRecord(ctx context.Context, callID string) {
	if _, err := c.deps.Store.UpdateCallStatus(ctx, callID, callstore.StatusEnded, c.deps.Clock.Now()); err != nil {
		c.deps.Log.Warn("failed to mark abandoned call ended", "callId", callID, "err", err)
	}
}
