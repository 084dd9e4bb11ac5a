package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.Pipeline("single")
	m.PipelineFailed("chat")
	m.AudioDropped()
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Pipeline("group")
	m.AudioDropped()

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("active sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PipelineRuns.WithLabelValues("group")); got != 1 {
		t.Fatalf("group pipeline runs = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "estella_dropped_audio_chunks_total 1") {
		t.Fatalf("metrics output missing dropped counter:\n%s", body)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.SpeakerJoined()
	if got := testutil.ToFloat64(b.ActiveSpeakers); got != 0 {
		t.Fatalf("second registry saw first registry's gauge: %v", got)
	}
}
