package negotiation

import (
	"sync"

	"github.com/rhizomelab/dialtone/internal/signal"
)

// CandidateBuffer holds remote ICE candidates that arrive before the remote
// description is set. Applying a candidate to a peer connection without a
// remote description fails, so early arrivals wait here and are released in
// arrival order once the description lands.
//
// Add and Drain share one lock: a candidate observed during the drain is
// either included in the drained batch or applied directly by the caller,
// never both and never neither.
type CandidateBuffer struct {
	mu      sync.Mutex
	ready   bool
	pending []signal.Candidate
}

func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{}
}

// Add records a remote candidate. It returns true when the remote
// description is already set and the caller should apply the candidate
// directly; false means the candidate was buffered.
func (b *CandidateBuffer) Add(c signal.Candidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return true
	}
	b.pending = append(b.pending, c)
	return false
}

// Drain marks the remote description as set and returns the buffered
// candidates in arrival order. The buffered batch is released exactly once:
// a second Drain returns nil.
func (b *CandidateBuffer) Drain() []signal.Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = true
	out := b.pending
	b.pending = nil
	return out
}

// Reset re-arms buffering for a fresh negotiation (a restart offer replaces
// the remote description). Candidates still pending from a negotiation that
// never drained are kept; they belong to the next drain.
func (b *CandidateBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
}

// Len reports the number of buffered candidates.
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
