// Package metrics holds the Prometheus instruments for voice sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "estella"

// Metrics groups every instrument. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	ActiveSpeakers    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	DecisionCycles    *prometheus.CounterVec
	PipelineRuns      *prometheus.CounterVec
	PipelineFailures  *prometheus.CounterVec
	DroppedAudio      prometheus.Counter
	Fragments         prometheus.Counter
	ChatLatency       prometheus.Histogram
	SynthesisLatency  prometheus.Histogram
	RecognitionErrors prometheus.Counter
}

// New registers all instruments on a fresh registry so that several
// instances can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live voice sessions.",
		}),
		ActiveSpeakers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_speakers",
			Help:      "Number of tracked speakers across all sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		DecisionCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cycles_total",
			Help:      "Decision cycles by outcome.",
		}, []string{"outcome"}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Response pipeline invocations by kind.",
		}, []string{"kind"}),
		PipelineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Response pipeline failures by stage.",
		}, []string{"stage"}),
		DroppedAudio: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_audio_chunks_total",
			Help:      "Audio chunks dropped because a recognition queue was full.",
		}),
		Fragments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_fragments_total",
			Help:      "Transcript fragments received from recognition.",
		}),
		ChatLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_latency_ms",
			Help:      "Chat backend round trip in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		SynthesisLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_latency_ms",
			Help:      "Speech synthesis round trip in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000},
		}),
		RecognitionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Recognition stream open or transport failures.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func (m *Metrics) SpeakerJoined() {
	if m != nil {
		m.ActiveSpeakers.Inc()
	}
}

func (m *Metrics) SpeakerLeft() {
	if m != nil {
		m.ActiveSpeakers.Dec()
	}
}

func (m *Metrics) Cycle(outcome string) {
	if m != nil {
		m.DecisionCycles.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Pipeline(kind string) {
	if m != nil {
		m.PipelineRuns.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) PipelineFailed(stage string) {
	if m != nil {
		m.PipelineFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) AudioDropped() {
	if m != nil {
		m.DroppedAudio.Inc()
	}
}

func (m *Metrics) FragmentReceived() {
	if m != nil {
		m.Fragments.Inc()
	}
}

func (m *Metrics) RecognitionFailed() {
	if m != nil {
		m.RecognitionErrors.Inc()
	}
}

func (m *Metrics) ObserveChat(d time.Duration) {
	if m != nil {
		m.ChatLatency.Observe(float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveSynthesis(d time.Duration) {
	if m != nil {
		m.SynthesisLatency.Observe(float64(d.Milliseconds()))
	}
}
