// Package session is the call core: it owns one call's lifecycle from
// placement or answer through negotiation, connectivity recovery, and
// teardown. All per-call state is mutated by a single event-loop goroutine;
// transport callbacks, engine callbacks, and API calls post work to it.
package session

import "time"

// CallState is the user-visible lifecycle of a call.
type CallState string

const (
	// CallConnecting covers the caller's side from placement until media
	// connects.
	CallConnecting CallState = "connecting"
	// CallRinging is the receiver's side before accept/reject.
	CallRinging CallState = "ringing"
	CallConnected CallState = "connected"
	// CallReconnecting means media dropped and recovery is in progress.
	CallReconnecting CallState = "reconnecting"
	CallEnded CallState = "ended"
)

// Role distinguishes the party that placed the call from the one answering.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// EndReason explains why a call reached CallEnded.
type EndReason string

const (
	EndLocalHangup  EndReason = "local-hangup"
	EndRemoteHangup EndReason = "remote-hangup"
	EndRejected     EndReason = "rejected"
	EndMediaFailure EndReason = "media-failure"
	EndSetupFailure EndReason = "setup-failure"
)

// EventType discriminates call events.
type EventType string

const (
	EventStateChanged       EventType = "state-changed"
	EventQualityChanged     EventType = "quality-changed"
	EventReconnectExhausted EventType = "reconnect-exhausted"
	EventEnded              EventType = "ended"
)

// Event is one observable change on a call. State is set for state-changed
// and ended events; Quality for quality-changed; Reason and Duration for
// ended.
type Event struct {
	Type     EventType
	State    CallState
	Quality  Level
	Reason   EndReason
	Duration time.Duration
}

// Clock abstracts time reads so duration accounting is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
