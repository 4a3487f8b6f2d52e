package session

import "time"

// Reconnector is the recovery policy for a dropped media connection: a
// bounded number of fixed-backoff attempts, with the budget restored every
// time the connection comes back. Pure policy; the event loop does the
// scheduling.
type Reconnector struct {
	max     int
	backoff time.Duration

	attempts int
}

func NewReconnector(maxAttempts int, backoff time.Duration) *Reconnector {
	return &Reconnector{max: maxAttempts, backoff: backoff}
}

// Next claims the next attempt. ok is false once the budget is spent.
func (r *Reconnector) Next() (delay time.Duration, ok bool) {
	if r.attempts >= r.max {
		return 0, false
	}
	r.attempts++
	return r.backoff, true
}

// NoteConnected restores the full budget. A recovered connection earns a
// fresh set of attempts for the next drop.
func (r *Reconnector) NoteConnected() { r.attempts = 0 }

// Reset restores the budget for a user-requested retry after exhaustion.
func (r *Reconnector) Reset() { r.attempts = 0 }

// Attempts reports how many attempts the current episode has used.
func (r *Reconnector) Attempts() int { return r.attempts }

// Exhausted reports whether the budget is spent.
func (r *Reconnector) Exhausted() bool { return r.attempts >= r.max }
