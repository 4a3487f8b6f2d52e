package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/metrics"
	"github.com/rhizomelab/dialtone/internal/signal"
)

// Bus is an in-process message hub with the same contract as the WebSocket
// path: append to the durable log first, then fan out to the other members
// of the call, and replay the backlog when a member joins late. It lets the
// full caller/receiver exchange run in one process.
type Bus struct {
	mu      sync.Mutex
	store   callstore.Store
	members map[string][]*BusEndpoint
}

// NewBus creates a bus. store may be nil, in which case messages are fanned
// out live only and late joiners see no backlog.
func NewBus(store callstore.Store) *Bus {
	return &Bus{store: store, members: make(map[string][]*BusEndpoint)}
}

// Endpoint creates one party's transport for a call. The endpoint is inert
// until Connect.
func (b *Bus) Endpoint(callID, senderID string, queueLimit int, m *metrics.Metrics) *BusEndpoint {
	if queueLimit <= 0 {
		queueLimit = 256
	}
	return &BusEndpoint{
		bus:      b,
		callID:   callID,
		senderID: senderID,
		metrics:  m,
		out:      make(chan signal.Envelope, queueLimit),
		in:       make(chan signal.Envelope, queueLimit),
		done:     make(chan struct{}),
	}
}

// joinWithReplay replays the logged backlog into the endpoint and registers
// it for live fan-out as one step. Holding the lock across both means a
// concurrent publish either already sits in the log the endpoint read or
// fans out to the endpoint after it joined; no message falls in between.
// Both deliveries can happen for the same message; receivers tolerate the
// duplicate the same way they tolerate log replay after reconnect.
func (b *Bus) joinWithReplay(ctx context.Context, ep *BusEndpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store != nil {
		backlog, err := b.store.SignalsSince(ctx, ep.callID, 0)
		if err != nil {
			return fmt.Errorf("transport: replay backlog: %w", err)
		}
		for _, entry := range backlog {
			env, err := signal.Parse(entry.Payload)
			if err != nil {
				continue
			}
			if !ep.buffer(env) {
				return fmt.Errorf("transport: backlog exceeds queue capacity")
			}
		}
	}
	b.members[ep.callID] = append(b.members[ep.callID], ep)
	return nil
}

func (b *Bus) leave(ep *BusEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := b.members[ep.callID]
	for i, p := range peers {
		if p == ep {
			b.members[ep.callID] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(b.members[ep.callID]) == 0 {
		delete(b.members, ep.callID)
	}
}

// publish appends to the log (when present) and fans out to every member of
// the call. Delivery to the sender is filtered on the receive side, matching
// the hub's broadcast behavior.
func (b *Bus) publish(ctx context.Context, env signal.Envelope) error {
	if b.store != nil {
		payload, err := env.Encode()
		if err != nil {
			return err
		}
		if _, err := b.store.AppendSignal(ctx, callstore.SignalEntry{
			CallID:   env.CallID,
			SenderID: env.SenderID,
			Kind:     string(env.Kind),
			Payload:  payload,
		}); err != nil {
			return err
		}
	}

	b.mu.Lock()
	peers := append([]*BusEndpoint(nil), b.members[env.CallID]...)
	b.mu.Unlock()
	for _, p := range peers {
		p.deliver(env)
	}
	return nil
}

// BusEndpoint is one party's in-process Transport.
type BusEndpoint struct {
	bus      *Bus
	callID   string
	senderID string
	metrics  *metrics.Metrics

	out  chan signal.Envelope
	in   chan signal.Envelope
	done chan struct{}

	closeOnce sync.Once
	connected bool
	mu        sync.Mutex

	onMessage func(signal.Envelope)
	onClose   func(error)
}

var _ Transport = (*BusEndpoint)(nil)

func (e *BusEndpoint) OnMessage(fn func(signal.Envelope)) { e.onMessage = fn }
func (e *BusEndpoint) OnClose(fn func(error))             { e.onClose = fn }

func (e *BusEndpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return fmt.Errorf("transport: already connected")
	}
	e.connected = true
	e.mu.Unlock()

	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	// Logged history first, then new traffic, with nothing lost in between.
	if err := e.bus.joinWithReplay(ctx, e); err != nil {
		return err
	}

	go e.sendLoop()
	go e.receiveLoop()
	return nil
}

func (e *BusEndpoint) Send(env signal.Envelope) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.out <- env:
		return nil
	default:
		e.metrics.Inc(metrics.SendQueueOverflow)
		return ErrQueueFull
	}
}

func (e *BusEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.bus.leave(e)
		if e.onClose != nil {
			e.onClose(nil)
		}
	})
	return nil
}

func (e *BusEndpoint) deliver(env signal.Envelope) {
	if env.SenderID == e.senderID {
		return
	}
	select {
	case e.in <- env:
	case <-e.done:
	}
}

// buffer queues without blocking; used for backlog replay, which runs before
// the receive loop drains the channel.
func (e *BusEndpoint) buffer(env signal.Envelope) bool {
	if env.SenderID == e.senderID {
		return true
	}
	select {
	case e.in <- env:
		return true
	default:
		return false
	}
}

func (e *BusEndpoint) sendLoop() {
	for {
		select {
		case <-e.done:
			// Flush what was queued before the close so a hangup notice
			// sent just before Close still reaches the peer.
			for {
				select {
				case env := <-e.out:
					_ = e.bus.publish(context.Background(), env)
				default:
					return
				}
			}
		case env := <-e.out:
			_ = e.bus.publish(context.Background(), env)
		}
	}
}

func (e *BusEndpoint) receiveLoop() {
	for {
		select {
		case <-e.done:
			return
		case env := <-e.in:
			if e.onMessage != nil {
				e.onMessage(env)
			}
		}
	}
}
