// Package negotiation tracks the offer/answer handshake for one call and
// buffers remote ICE candidates that arrive before the remote description.
//
// Signaling is asynchronous and the peer may be buggy or stale, so messages
// that arrive in an invalid state are dropped and counted rather than
// treated as errors. Local misuse (calling an operation from the wrong
// state) is a programming error and does return one.
package negotiation

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/rhizomelab/dialtone/internal/metrics"
)

// State is the handshake position. It mirrors the usual signaling states:
// an offer is outstanding in one direction, or the exchange is settled.
type State string

const (
	StateIdle            State = "idle"
	StateHaveLocalOffer  State = "have-local-offer"
	StateHaveRemoteOffer State = "have-remote-offer"
	StateStable          State = "stable"
	StateClosed          State = "closed"
)

// Machine is the guarded handshake tracker. All methods are safe for
// concurrent use.
type Machine struct {
	mu      sync.Mutex
	state   State
	settled bool
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewMachine(m *metrics.Metrics, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{state: StateIdle, metrics: m, log: log}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MarkLocalOffer records that we produced and sent an offer. Allowed from
// idle (initial negotiation) and stable (renegotiation).
func (m *Machine) MarkLocalOffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle && m.state != StateStable {
		return fmt.Errorf("negotiation: cannot offer from state %q", m.state)
	}
	m.state = StateHaveLocalOffer
	return nil
}

// AcceptRemoteOffer reports whether a received offer is acceptable and, if
// so, advances the state. A false return means the message must be dropped.
func (m *Machine) AcceptRemoteOffer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdle, StateStable:
		m.state = StateHaveRemoteOffer
		return true
	case StateClosed:
		m.metrics.Inc(metrics.SignalDroppedAfterClose)
		return false
	default:
		m.log.Debug("dropping offer received in invalid state", "state", string(m.state))
		m.metrics.Inc(metrics.SignalDroppedInvalidState)
		return false
	}
}

// MarkLocalAnswer records that we produced and sent an answer, settling the
// exchange. Only valid while a remote offer is outstanding.
func (m *Machine) MarkLocalAnswer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateHaveRemoteOffer {
		return fmt.Errorf("negotiation: cannot answer from state %q", m.state)
	}
	m.state = StateStable
	m.settled = true
	return nil
}

// AcceptRemoteAnswer reports whether a received answer is acceptable and, if
// so, settles the exchange. Answers arriving without an outstanding local
// offer (duplicates, glare leftovers) are dropped.
func (m *Machine) AcceptRemoteAnswer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateHaveLocalOffer:
		m.state = StateStable
		m.settled = true
		return true
	case StateClosed:
		m.metrics.Inc(metrics.SignalDroppedAfterClose)
		return false
	default:
		m.log.Debug("dropping answer received in invalid state", "state", string(m.state))
		m.metrics.Inc(metrics.SignalDroppedInvalidState)
		return false
	}
}

// Rollback abandons a half-open exchange so negotiation can restart: an
// offer left unanswered in either direction is discarded and the machine
// returns to stable (idle when the exchange never settled). No-op in the
// other states.
func (m *Machine) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateHaveLocalOffer && m.state != StateHaveRemoteOffer {
		return
	}
	if m.settled {
		m.state = StateStable
	} else {
		m.state = StateIdle
	}
}

// Closed reports whether the machine is terminal.
func (m *Machine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateClosed
}

// Close makes the machine terminal. Every subsequent remote message is
// dropped and counted; Close is idempotent.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateClosed
}
