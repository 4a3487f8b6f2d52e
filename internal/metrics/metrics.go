package metrics

import "sync"

// Event counter names. Signaling-plane drops are counted rather than surfaced
// as errors: out-of-order delivery is expected under an asynchronous channel.
const (
	SignalDroppedInvalidState = "signal_dropped_invalid_state"
	SignalDroppedAfterClose   = "signal_dropped_after_close"
	SendQueueOverflow         = "send_queue_overflow"
	SignalRateLimited         = "signal_rate_limited"

	ReconnectAttempt    = "reconnect_attempt"
	ReconnectExhausted  = "reconnect_exhausted"
	ReconnectRecovered  = "reconnect_recovered"
	CallsPlaced         = "calls_placed"
	CallsAccepted       = "calls_accepted"
	CallsRejected       = "calls_rejected"
	CallsEnded          = "calls_ended"
	MediaAcquireFailure = "media_acquire_failure"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The call core is expected to plug into a real metrics backend eventually;
// this type keeps drop accounting testable without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies all counters for export.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
