package callstore

import (
	"context"
	"log/slog"
	"time"
)

// IncomingEventType classifies a change observed on a receiver's pending
// calls.
type IncomingEventType string

const (
	// IncomingRing means a new pending call addressed to the watched
	// receiver appeared.
	IncomingRing IncomingEventType = "ring"
	// IncomingWithdrawn means a previously pending call left the pending
	// state without the watched receiver acting on it (caller hung up, or
	// it was answered elsewhere).
	IncomingWithdrawn IncomingEventType = "withdrawn"
)

type IncomingEvent struct {
	Type   IncomingEventType
	Record CallRecord
}

// Watcher polls the store for changes. The store is a plain shared resource
// with no push channel, so observation is periodic; the interval bounds how
// stale a view can be.
type Watcher struct {
	store    Store
	interval time.Duration
	log      *slog.Logger
}

func NewWatcher(store Store, interval time.Duration, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Watcher{store: store, interval: interval, log: log}
}

// WatchCall emits the call record every time its status changes, starting
// with the current state. The channel is closed when ctx is cancelled or the
// record reaches a terminal status (after that status has been emitted).
func (w *Watcher) WatchCall(ctx context.Context, callID string) <-chan CallRecord {
	out := make(chan CallRecord, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		var last Status
		seen := false
		for {
			rec, err := w.store.GetCall(ctx, callID)
			if err == nil {
				if !seen || rec.Status != last {
					seen = true
					last = rec.Status
					select {
					case out <- rec:
					case <-ctx.Done():
						return
					}
					if rec.Status.Terminal() {
						return
					}
				}
			} else if err != ErrNotFound && ctx.Err() == nil {
				w.log.Warn("call watch poll failed", "callId", callID, "err", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// WatchIncoming emits ring events for new pending calls addressed to
// receiverID and withdrawn events when a pending call leaves the pending
// state. Pending calls that exist at watch start are emitted as rings so a
// freshly started client still learns about them.
func (w *Watcher) WatchIncoming(ctx context.Context, receiverID string) <-chan IncomingEvent {
	out := make(chan IncomingEvent, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		known := make(map[string]CallRecord)
		for {
			pending, err := w.store.PendingCalls(ctx, receiverID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Warn("incoming watch poll failed", "receiverId", receiverID, "err", err)
			} else {
				current := make(map[string]bool, len(pending))
				for _, rec := range pending {
					current[rec.ID] = true
					if _, ok := known[rec.ID]; !ok {
						known[rec.ID] = rec
						select {
						case out <- IncomingEvent{Type: IncomingRing, Record: rec}:
						case <-ctx.Done():
							return
						}
					}
				}
				for id, rec := range known {
					if current[id] {
						continue
					}
					delete(known, id)
					select {
					case out <- IncomingEvent{Type: IncomingWithdrawn, Record: rec}:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
