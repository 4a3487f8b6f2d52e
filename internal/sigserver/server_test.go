package sigserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/rhizomelab/dialtone/internal/callstore"
	"github.com/rhizomelab/dialtone/internal/config"
	"github.com/rhizomelab/dialtone/internal/metrics"
)

func testServerConfig() config.Config {
	return config.Config{
		ListenAddr:                    "127.0.0.1:0",
		SendQueueLimit:                16,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 0,
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *httptest.Server, callstore.Store, *metrics.Metrics) {
	t.Helper()
	store := callstore.NewMemoryStore()
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := New(cfg, store, m, logger)
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	s.ready.Store(true)
	return s, ts, store, m
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, raw
}

func TestServer_CallLifecycle(t *testing.T) {
	_, ts, _, _ := newTestServer(t, testServerConfig())

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/calls", map[string]any{
		"id": "call-1", "callerId": "alice", "receiverId": "bob", "mode": "voice",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, raw)
	}
	var created callJSON
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Status != "pending" || created.StartedAt != nil {
		t.Fatalf("created record = %+v", created)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/calls", map[string]any{
		"id": "call-1", "callerId": "alice", "receiverId": "bob", "mode": "voice",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", resp.StatusCode)
	}

	resp, raw = doJSON(t, http.MethodPatch, ts.URL+"/calls/call-1", map[string]any{"status": "accepted"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept status = %d, body %s", resp.StatusCode, raw)
	}
	var accepted callJSON
	if err := json.Unmarshal(raw, &accepted); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if accepted.Status != "accepted" || accepted.StartedAt == nil {
		t.Fatalf("accepted record = %+v", accepted)
	}

	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/calls/call-1", map[string]any{"status": "ended"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
	// Same-status update converges instead of conflicting.
	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/calls/call-1", map[string]any{"status": "ended"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("idempotent end status = %d", resp.StatusCode)
	}
	// A terminal record cannot be revived.
	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/calls/call-1", map[string]any{"status": "accepted"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("revive status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/calls/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown call status = %d", resp.StatusCode)
	}
}

func TestServer_CreateCallValidation(t *testing.T) {
	_, ts, _, _ := newTestServer(t, testServerConfig())

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing receiver", map[string]any{"callerId": "alice", "mode": "voice"}},
		{"self call", map[string]any{"callerId": "alice", "receiverId": "alice", "mode": "voice"}},
		{"bad mode", map[string]any{"callerId": "alice", "receiverId": "bob", "mode": "telepathy"}},
		{"unknown field", map[string]any{"callerId": "alice", "receiverId": "bob", "mode": "voice", "extra": 1}},
	}
	for _, c := range cases {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/calls", c.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", c.name, resp.StatusCode)
		}
	}
}

func TestServer_PendingCallsFilter(t *testing.T) {
	_, ts, _, _ := newTestServer(t, testServerConfig())

	for i, receiver := range []string{"bob", "bob", "carol"} {
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/calls", map[string]any{
			"id": fmt.Sprintf("call-%d", i), "callerId": "alice", "receiverId": receiver, "mode": "voice",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: status = %d, body %s", i, resp.StatusCode, raw)
		}
	}

	resp, raw := doJSON(t, http.MethodGet, ts.URL+"/calls?receiver=bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var out struct {
		Calls []callJSON `json:"calls"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(out.Calls) != 2 {
		t.Fatalf("pending for bob = %d, want 2", len(out.Calls))
	}
	if out.Calls[0].ID != "call-0" || out.Calls[1].ID != "call-1" {
		t.Fatalf("pending order = %s, %s", out.Calls[0].ID, out.Calls[1].ID)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/calls", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing receiver status = %d", resp.StatusCode)
	}
}

func TestServer_HealthAndReadiness(t *testing.T) {
	s, ts, _, _ := newTestServer(t, testServerConfig())

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}

	s.ready.Store(false)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown status = %d", resp.StatusCode)
	}
}

func TestServer_ICEConfig(t *testing.T) {
	cfg := testServerConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	_, ts, _, _ := newTestServer(t, cfg)

	resp, raw := doJSON(t, http.MethodGet, ts.URL+"/webrtc/ice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ice status = %d", resp.StatusCode)
	}
	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode ice: %v", err)
	}
	if len(out.ICEServers) != 1 || out.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ice servers = %+v", out.ICEServers)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	_, ts, _, m := newTestServer(t, testServerConfig())
	m.Add(metrics.CallsPlaced, 3)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !bytes.Contains(raw, []byte(`dialtone_events_total{event="calls_placed"} 3`)) {
		t.Fatalf("metrics body missing counter:\n%s", raw)
	}
}

func createCall(t *testing.T, store callstore.Store, id, caller, receiver string) {
	t.Helper()
	err := store.CreateCall(context.Background(), callstore.CallRecord{
		ID:         id,
		CallerID:   caller,
		ReceiverID: receiver,
		Mode:       callstore.ModeVoice,
		Status:     callstore.StatusPending,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create call %s: %v", id, err)
	}
}
