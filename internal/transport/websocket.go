package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rhizomelab/dialtone/internal/metrics"
	"github.com/rhizomelab/dialtone/internal/signal"
)

const (
	wsWriteWait  = 1 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = 20 * time.Second
)

// WSOptions configures a WebSocket transport for one call.
type WSOptions struct {
	// URL is the signaling server base URL, e.g. ws://127.0.0.1:8486.
	URL      string
	CallID   string
	SenderID string

	// QueueLimit bounds the send queue. Messages produced before the link
	// is ready, or faster than it drains, are buffered up to this limit.
	QueueLimit int

	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// WSClient is the production Transport: a WebSocket connection to the
// signaling server's per-call hub. The server appends each message to the
// durable log before broadcasting, and replays the backlog on join, so a
// client that connects late still observes the full exchange.
type WSClient struct {
	opts WSOptions

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	writerDone chan struct{}

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	onMessage func(signal.Envelope)
	onClose   func(error)
}

var _ Transport = (*WSClient)(nil)

func NewWSClient(opts WSOptions) (*WSClient, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport: signaling URL is required")
	}
	if opts.CallID == "" || opts.SenderID == "" {
		return nil, fmt.Errorf("transport: call and sender IDs are required")
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = 256
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &WSClient{
		opts: opts,
		out:  make(chan []byte, opts.QueueLimit),
		done: make(chan struct{}),
	}, nil
}

func (c *WSClient) OnMessage(fn func(signal.Envelope)) { c.onMessage = fn }
func (c *WSClient) OnClose(fn func(error))             { c.onClose = fn }

func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("transport: already connected")
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	endpoint := fmt.Sprintf("%s/signaling/%s?sender=%s",
		strings.TrimRight(c.opts.URL, "/"),
		url.PathEscape(c.opts.CallID),
		url.QueryEscape(c.opts.SenderID),
	)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.connected = true
	c.writerDone = make(chan struct{})
	writerDone := c.writerDone
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn, writerDone)
	return nil
}

// Send enqueues an envelope. Before Connect completes the envelope waits in
// the queue and is flushed in order once the link is up.
func (c *WSClient) Send(env signal.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	default:
		c.opts.Metrics.Inc(metrics.SendQueueOverflow)
		return ErrQueueFull
	}
}

// Close flushes queued messages (a hangup notice is typically the last one)
// and tears the link down.
func (c *WSClient) Close() error {
	c.closeWith(nil, true)
	return nil
}

func (c *WSClient) closeWith(cause error, flush bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		writerDone := c.writerDone
		c.mu.Unlock()
		if conn != nil {
			// The writer owns the connection for writes; wait for it to
			// drain and send the close frame before tearing the socket.
			if flush && writerDone != nil {
				select {
				case <-writerDone:
				case <-time.After(wsWriteWait):
				}
			}
			conn.Close()
		}
		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Local close already handled.
			default:
				c.closeWith(err, false)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		env, err := signal.Parse(data)
		if err != nil {
			c.opts.Log.Warn("dropping malformed signaling message", "callId", c.opts.CallID, "err", err)
			continue
		}
		// The hub broadcasts to all members including the sender; the
		// local party's own messages must not loop back.
		if env.SenderID == c.opts.SenderID {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(env)
		}
	}
}

func (c *WSClient) writeLoop(conn *websocket.Conn, writerDone chan struct{}) {
	defer close(writerDone)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			// Drain what was queued before the close, then say goodbye.
			for {
				select {
				case payload := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					writeClose(conn, websocket.CloseNormalClosure, "bye")
					return
				}
			}
		case payload := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.closeWith(err, false)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(err, false)
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
