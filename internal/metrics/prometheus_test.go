package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExportsCounters(t *testing.T) {
	m := New()
	m.Inc(SignalDroppedInvalidState)
	m.Add(ReconnectAttempt, 2)

	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body := rr.Body.String()
	if !strings.Contains(body, `dialtone_events_total{event="signal_dropped_invalid_state"} 1`) {
		t.Fatalf("missing drop counter in:\n%s", body)
	}
	if !strings.Contains(body, `dialtone_events_total{event="reconnect_attempt"} 2`) {
		t.Fatalf("missing reconnect counter in:\n%s", body)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc("anything")
	if got := m.Get("anything"); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
	if m.Snapshot() != nil {
		t.Fatalf("expected nil snapshot")
	}
}
