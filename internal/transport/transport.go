// Package transport moves signaling envelopes between the two parties of a
// call. The production implementation is a WebSocket client talking to the
// signaling server's per-call hub; an in-process bus provides the same
// contract for tests and single-process integration.
package transport

import (
	"context"
	"errors"

	"github.com/rhizomelab/dialtone/internal/signal"
)

var (
	// ErrClosed is returned by Send after Close. Closing is terminal; a
	// transport is never reconnected, a new one is made.
	ErrClosed = errors.New("transport: closed")
	// ErrQueueFull is returned when a message cannot be buffered while the
	// transport is still connecting.
	ErrQueueFull = errors.New("transport: send queue full")
)

// Transport is a bidirectional envelope channel scoped to one call.
//
// Send may be called before Connect completes; such messages are buffered
// (bounded) and flushed in order once the link is up. Delivered envelopes
// never include the local party's own messages. After Close, no callback
// fires and Send returns ErrClosed.
type Transport interface {
	// Connect establishes the link. It blocks until the link is ready, the
	// context is done, or the attempt fails.
	Connect(ctx context.Context) error

	// Send enqueues an envelope for delivery in order.
	Send(env signal.Envelope) error

	// OnMessage registers the receive callback. Must be called before
	// Connect. Callbacks are invoked sequentially from a single goroutine.
	OnMessage(fn func(signal.Envelope))

	// OnClose registers a callback fired exactly once when the transport
	// stops, with the cause (nil for a local Close).
	OnClose(fn func(err error))

	Close() error
}
