package callstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by the in-process
// integration harness. It mirrors the SQLite store's semantics exactly,
// including log ordering and transition stamping.
type MemoryStore struct {
	mu      sync.Mutex
	calls   map[string]CallRecord
	signals map[string][]SignalEntry
	nextSeq int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:   make(map[string]CallRecord),
		signals: make(map[string][]SignalEntry),
	}
}

func (s *MemoryStore) CreateCall(ctx context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.ID]; ok {
		return ErrExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.calls[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) UpdateCallStatus(ctx context.Context, id string, status Status, at time.Time) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	updated, err := applyStatus(rec, status, at)
	if err != nil {
		return CallRecord{}, err
	}
	s.calls[id] = updated
	return updated, nil
}

func (s *MemoryStore) PendingCalls(ctx context.Context, receiverID string) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CallRecord
	for _, rec := range s.calls {
		if rec.ReceiverID == receiverID && rec.Status == StatusPending {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendSignal(ctx context.Context, entry SignalEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	entry.Seq = s.nextSeq
	s.signals[entry.CallID] = append(s.signals[entry.CallID], entry)
	return entry.Seq, nil
}

func (s *MemoryStore) SignalsSince(ctx context.Context, callID string, afterSeq int64) ([]SignalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SignalEntry
	for _, entry := range s.signals[callID] {
		if entry.Seq > afterSeq {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
