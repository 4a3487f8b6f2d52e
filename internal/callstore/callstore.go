// Package callstore persists call records and the durable per-call signaling
// log. The store is the single resource shared by the two parties' processes;
// each side observes it independently (eventually consistent), so status
// transitions must converge rather than coordinate.
package callstore

import (
	"context"
	"errors"
	"time"
)

// Mode selects the media profile of a call.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeVideo Mode = "video"
)

func (m Mode) Valid() bool {
	return m == ModeVoice || m == ModeVideo
}

// Status is the persisted lifecycle state of a call record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
)

// Terminal reports whether a record may no longer change. Terminal records
// are retained as immutable history.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// ValidTransition reports whether a status change is allowed. Same-status
// updates are not transitions; callers treat them as idempotent no-ops so
// both parties can converge on the store without conflict.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusAccepted || to == StatusRejected || to == StatusEnded
	case StatusAccepted:
		return to == StatusEnded
	default:
		return false
	}
}

// CallRecord is one call attempt. The ID is created once by the caller and
// shared by both parties.
type CallRecord struct {
	ID         string
	CallerID   string
	ReceiverID string
	Mode       Mode
	Status     Status
	StartedAt  *time.Time
	EndedAt    *time.Time
	CreatedAt  time.Time
}

// SignalEntry is one row of the append-only signaling log. Payload is the
// encoded wire envelope; Kind and SenderID are duplicated for querying.
type SignalEntry struct {
	Seq      int64
	CallID   string
	SenderID string
	Kind     string
	Payload  []byte
}

var (
	ErrNotFound = errors.New("callstore: not found")
	ErrExists   = errors.New("callstore: call already exists")
	// ErrBadTransition is returned for a status update the lifecycle does
	// not allow (e.g. reviving a terminal record).
	ErrBadTransition = errors.New("callstore: invalid status transition")
)

// Store is the external call-record store plus the durable signaling log.
//
// Implementations must preserve signaling log insertion order per call: the
// log is the correctness backstop when the low-latency broadcast path drops
// messages.
type Store interface {
	CreateCall(ctx context.Context, rec CallRecord) error
	GetCall(ctx context.Context, id string) (CallRecord, error)

	// UpdateCallStatus applies a status transition, stamping StartedAt on
	// accept and EndedAt on reject/end. Updating to the current status is
	// an idempotent no-op returning the stored record.
	UpdateCallStatus(ctx context.Context, id string, status Status, at time.Time) (CallRecord, error)

	// PendingCalls lists non-terminal pending calls addressed to a receiver,
	// oldest first.
	PendingCalls(ctx context.Context, receiverID string) ([]CallRecord, error)

	// AppendSignal appends one log entry and returns its sequence number.
	AppendSignal(ctx context.Context, entry SignalEntry) (int64, error)

	// SignalsSince returns entries for a call with Seq > afterSeq, in
	// insertion order.
	SignalsSince(ctx context.Context, callID string, afterSeq int64) ([]SignalEntry, error)

	Close() error
}

// applyStatus implements the shared stamping rules for both store
// implementations.
func applyStatus(rec CallRecord, status Status, at time.Time) (CallRecord, error) {
	if rec.Status == status {
		return rec, nil
	}
	if !ValidTransition(rec.Status, status) {
		return CallRecord{}, ErrBadTransition
	}
	rec.Status = status
	switch status {
	case StatusAccepted:
		t := at
		rec.StartedAt = &t
	case StatusRejected, StatusEnded:
		t := at
		rec.EndedAt = &t
	}
	return rec, nil
}
