// Package metrics exposes session activity as Prometheus metrics. Metrics
// are fed from the event bus so the session core stays unaware of them.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatstream/internal/domain"
)

const namespace = "chatstream"

// Run outcomes used as the "outcome" label of RunsTotal.
const (
	OutcomeStarted  = "started"
	OutcomeFinished = "finished"
	OutcomeError    = "error"
	OutcomeAborted  = "aborted"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	// RunsTotal counts runs by outcome (started|finished|error|aborted).
	RunsTotal *prometheus.CounterVec

	// RunErrors counts RUN_ERROR events by error code.
	RunErrors *prometheus.CounterVec

	// TextDeltas counts streamed text fragments.
	TextDeltas prometheus.Counter

	// ToolCalls counts tool calls announced by the model.
	// Labels: tool_name
	ToolCalls *prometheus.CounterVec

	// ToolExecutions counts executed tool calls.
	// Labels: tool_name, status (result|error|cancelled)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolDuration *prometheus.HistogramVec

	// SessionResets counts conversation resets.
	SessionResets prometheus.Counter
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs by outcome",
			},
			[]string{"outcome"},
		),

		RunErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_errors_total",
				Help:      "Total number of failed runs by error code",
			},
			[]string{"code"},
		),

		TextDeltas: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "text_deltas_total",
			Help:      "Total number of streamed text fragments",
		}),

		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of tool calls started by the model",
			},
			[]string{"tool_name"},
		),

		ToolExecutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Duration of tool executions in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		SessionResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_resets_total",
			Help:      "Total number of conversation resets",
		}),
	}
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// toolExecuted mirrors the payload of tool.executed events.
type toolExecuted struct {
	ToolName string        `json:"toolName"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// Handle is an event bus handler that updates the collectors.
func (m *Metrics) Handle(_ context.Context, ev domain.BusEvent) {
	switch ev.Type {
	case domain.EventRunStarted:
		m.RunsTotal.WithLabelValues(OutcomeStarted).Inc()
	case domain.EventRunFinished:
		m.RunsTotal.WithLabelValues(OutcomeFinished).Inc()
	case domain.EventRunError:
		m.RunsTotal.WithLabelValues(OutcomeError).Inc()
		var pe domain.Event
		_ = json.Unmarshal(ev.Payload, &pe)
		code := string(pe.Code)
		if code == "" {
			code = "UNKNOWN"
		}
		m.RunErrors.WithLabelValues(code).Inc()
	case domain.EventRunAborted:
		m.RunsTotal.WithLabelValues(OutcomeAborted).Inc()
	case domain.EventTextDelta:
		m.TextDeltas.Inc()
	case domain.EventToolCallStart:
		var pe domain.Event
		if json.Unmarshal(ev.Payload, &pe) == nil && pe.ToolName != "" {
			m.ToolCalls.WithLabelValues(pe.ToolName).Inc()
		}
	case domain.EventToolExecuted:
		var te toolExecuted
		if json.Unmarshal(ev.Payload, &te) != nil || te.ToolName == "" {
			return
		}
		m.ToolExecutions.WithLabelValues(te.ToolName, te.Status).Inc()
		m.ToolDuration.WithLabelValues(te.ToolName).Observe(te.Duration.Seconds())
	case domain.EventSessionReset:
		m.SessionResets.Inc()
	}
}
