package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes recorded by Metrics.
const (
	outcomeText           = "text"
	outcomeStructured     = "structured"
	outcomeMaxIterations  = "max_iterations"
	outcomeUnexpectedStop = "unexpected_stop"
	outcomeError          = "error"
)

// Metrics counts loop activity. A nil *Metrics records nothing.
type Metrics struct {
	completions        *prometheus.CounterVec
	completionDuration prometheus.Histogram
	toolCalls          *prometheus.CounterVec
	runs               *prometheus.CounterVec
}

// NewMetrics creates loop metrics registered on reg. It returns nil when
// reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_completions_total",
				Help: "Total number of completion requests by result",
			},
			[]string{"result"},
		),
		completionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_completion_duration_seconds",
				Help:    "Latency of completion requests",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
			},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_calls_total",
				Help: "Total number of tool calls dispatched by tool and result",
			},
			[]string{"tool", "result"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_runs_total",
				Help: "Total number of loop invocations by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		m.completions,
		m.completionDuration,
		m.toolCalls,
		m.runs,
	)

	return m
}

func (m *Metrics) recordCompletion(start time.Time, err error) {
	if m == nil {
		return
	}
	m.completionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.completions.WithLabelValues("error").Inc()
		return
	}
	m.completions.WithLabelValues("ok").Inc()
}

func (m *Metrics) recordToolCall(tool, result string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, result).Inc()
}

func (m *Metrics) recordRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}
