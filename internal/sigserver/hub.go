package sigserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/config"
	"github.com/rhizomelab/dialtone/internal/metrics"
	"github.com/rhizomelab/dialtone/internal/ratelimit"
	"github.com/rhizomelab/dialtone/internal/signal"
)

const (
	hubWriteWait  = 1 * time.Second
	hubPongWait   = 30 * time.Second
	hubPingPeriod = 20 * time.Second
)

// hub fans signaling traffic out per call. Every accepted message is appended
// to the durable log before broadcast; members that join late get the backlog
// replayed first, so the order a member observes is always a prefix-extension
// of the log.
type hub struct {
	cfg     config.Config
	store   callstore.Store
	metrics *metrics.Metrics
	log     *slog.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	rooms  map[string]map[*hubMember]struct{}
}

type hubMember struct {
	callID   string
	senderID string
	conn     *websocket.Conn

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newHub(cfg config.Config, store callstore.Store, m *metrics.Metrics, logger *slog.Logger) *hub {
	return &hub{
		cfg:     cfg,
		store:   store,
		metrics: m,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native processes, not browsers; Origin carries no
			// signal here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*hubMember]struct{}),
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")
	senderID := r.URL.Query().Get("sender")
	if callID == "" || senderID == "" {
		http.Error(w, "callID and sender are required", http.StatusBadRequest)
		return
	}
	if _, err := h.store.GetCall(r.Context(), callID); err != nil {
		if errors.Is(err, callstore.ErrNotFound) {
			http.Error(w, "unknown call", http.StatusNotFound)
			return
		}
		h.log.Error("call lookup failed", "callId", callID, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Warn("websocket upgrade failed", "callId", callID, "err", err)
		return
	}

	queueLimit := h.cfg.SendQueueLimit
	if queueLimit <= 0 {
		queueLimit = 256
	}
	m := &hubMember{
		callID:   callID,
		senderID: senderID,
		conn:     conn,
		out:      make(chan []byte, queueLimit),
		done:     make(chan struct{}),
	}

	// Queue the backlog before the member is visible to broadcasts, so a
	// concurrent append cannot be observed before its log predecessors.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		writeServerClose(conn, websocket.CloseGoingAway, "shutting down")
		conn.Close()
		return
	}
	backlog, err := h.store.SignalsSince(context.Background(), callID, 0)
	if err != nil {
		h.mu.Unlock()
		h.log.Error("backlog read failed", "callId", callID, "err", err)
		writeServerClose(conn, websocket.CloseInternalServerErr, "backlog unavailable")
		conn.Close()
		return
	}
	dropped := false
	for _, entry := range backlog {
		select {
		case m.out <- entry.Payload:
		default:
			dropped = true
		}
	}
	room := h.rooms[callID]
	if room == nil {
		room = make(map[*hubMember]struct{})
		h.rooms[callID] = room
	}
	room[m] = struct{}{}
	h.mu.Unlock()

	if dropped {
		// A backlog bigger than the queue means the client is hopelessly
		// behind; let it resync on reconnect rather than feed it a gap.
		h.log.Warn("backlog exceeds member queue, closing", "callId", callID, "sender", senderID)
		h.detach(m, websocket.ClosePolicyViolation, "backlog too large")
		return
	}

	h.log.Info("signaling member joined", "callId", callID, "sender", senderID, "backlog", len(backlog))

	go h.writePump(m)
	h.readPump(m)
}

func (h *hub) readPump(m *hubMember) {
	defer h.detach(m, websocket.CloseNormalClosure, "bye")

	conn := m.conn
	if h.cfg.MaxSignalingMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxSignalingMessageBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(hubPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	rate := int64(h.cfg.MaxSignalingMessagesPerSecond)
	bucket := ratelimit.NewTokenBucket(nil, rate, rate)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(hubPongWait))

		if rate > 0 && !bucket.Allow(1) {
			h.metrics.Inc(metrics.SignalRateLimited)
			h.log.Warn("signaling message rate limited", "callId", m.callID, "sender", m.senderID)
			continue
		}

		env, err := signal.Parse(data)
		if err != nil {
			h.log.Warn("rejecting malformed signaling message", "callId", m.callID, "sender", m.senderID, "err", err)
			continue
		}
		if env.CallID != m.callID || env.SenderID != m.senderID {
			h.log.Warn("rejecting mislabeled signaling message",
				"callId", m.callID, "sender", m.senderID,
				"envCallId", env.CallID, "envSender", env.SenderID)
			continue
		}

		if err := h.publish(env, data); err != nil {
			h.log.Error("signaling append failed", "callId", m.callID, "err", err)
			return
		}
	}
}

// publish appends the message to the durable log, then broadcasts it to every
// member of the call, the sender included. Clients filter their own echoes;
// the echo doubles as the delivery acknowledgement.
func (h *hub) publish(env signal.Envelope, payload []byte) error {
	_, err := h.store.AppendSignal(context.Background(), callstore.SignalEntry{
		CallID:   env.CallID,
		SenderID: env.SenderID,
		Kind:     string(env.Kind),
		Payload:  payload,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	members := make([]*hubMember, 0, len(h.rooms[env.CallID]))
	for m := range h.rooms[env.CallID] {
		members = append(members, m)
	}
	h.mu.Unlock()

	for _, m := range members {
		select {
		case m.out <- payload:
		default:
			// A member that cannot keep up with control traffic is broken;
			// it will recover the gap from the log on reconnect.
			h.metrics.Inc(metrics.SendQueueOverflow)
			h.detach(m, websocket.ClosePolicyViolation, "too slow")
		}
	}
	return nil
}

func (h *hub) writePump(m *hubMember) {
	ticker := time.NewTicker(hubPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case payload := <-m.out:
			_ = m.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.detach(m, websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.detach(m, websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (h *hub) detach(m *hubMember, code int, reason string) {
	m.closeOnce.Do(func() {
		h.mu.Lock()
		if room, ok := h.rooms[m.callID]; ok {
			delete(room, m)
			if len(room) == 0 {
				delete(h.rooms, m.callID)
			}
		}
		h.mu.Unlock()

		close(m.done)
		writeServerClose(m.conn, code, reason)
		m.conn.Close()
		h.log.Info("signaling member left", "callId", m.callID, "sender", m.senderID)
	})
}

func (h *hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	var members []*hubMember
	for _, room := range h.rooms {
		for m := range room {
			members = append(members, m)
		}
	}
	h.mu.Unlock()

	for _, m := range members {
		h.detach(m, websocket.CloseGoingAway, "shutting down")
	}
}

func writeServerClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(hubWriteWait))
}
