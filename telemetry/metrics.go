package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/unifiedllm"
)

// Metrics collects run, LLM and tool metrics on its own registry.
//
// It is an agentloop.EventSink for run, tool, context and token events, and
// provides an LLM client middleware for request latency. A CLI run exports
// the registry once at the end with WriteToTextfile.
type Metrics struct {
	registry *prometheus.Registry

	// RunsTotal counts finished runs.
	// Labels: status (success|partial|failed), stop_reason
	RunsTotal *prometheus.CounterVec

	// RunSteps observes the number of steps per run.
	RunSteps prometheus.Histogram

	// LLMRequestsTotal counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensTotal counts tokens.
	// Labels: type (input|output)
	LLMTokensTotal *prometheus.CounterVec

	// CostUSDTotal accumulates estimated spend.
	CostUSDTotal prometheus.Counter

	// ToolCallsTotal counts tool calls.
	// Labels: tool, status (success|error|dry_run)
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// SafetyNetsTotal counts safety nets that fired.
	// Labels: reason
	SafetyNetsTotal *prometheus.CounterVec

	// ContextEventsTotal counts window trims and compressions.
	// Labels: kind (context_trimmed|context_compressed)
	ContextEventsTotal *prometheus.CounterVec

	// LoopDetectionsTotal counts repeated tool-call patterns.
	LoopDetectionsTotal prometheus.Counter
}

var _ agentloop.EventSink = (*Metrics)(nil)

// NewMetrics registers the collectors on reg, or on a fresh registry when
// reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_runs_total",
				Help: "Finished runs by status and stop reason",
			},
			[]string{"status", "stop_reason"},
		),
		RunSteps: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codeagent_run_steps",
				Help:    "Steps taken per run",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
			},
		),
		LLMRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_llm_requests_total",
				Help: "Model calls by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeagent_llm_request_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMTokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_llm_tokens_total",
				Help: "Tokens reported by the provider by type",
			},
			[]string{"type"},
		),
		CostUSDTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "codeagent_cost_usd_total",
				Help: "Estimated spend in USD",
			},
		),
		ToolCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_tool_calls_total",
				Help: "Tool calls by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codeagent_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool"},
		),
		SafetyNetsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_safety_nets_total",
				Help: "Safety nets that stopped a run, by reason",
			},
			[]string{"reason"},
		),
		ContextEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codeagent_context_events_total",
				Help: "Context window trims and compressions",
			},
			[]string{"kind"},
		),
		LoopDetectionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "codeagent_loop_detections_total",
				Help: "Repeated tool-call patterns detected",
			},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Emit updates metrics from a loop event.
func (m *Metrics) Emit(kind agentloop.EventKind, fields map[string]any) {
	switch kind {
	case agentloop.EventRunEnd:
		m.RunsTotal.WithLabelValues(stringField(fields, "status"), stringField(fields, "stop_reason")).Inc()
		m.RunSteps.Observe(float64(intField(fields, "steps")))
	case agentloop.EventLLMResponse:
		m.LLMTokensTotal.WithLabelValues("input").Add(float64(intField(fields, "input_tokens")))
		m.LLMTokensTotal.WithLabelValues("output").Add(float64(intField(fields, "output_tokens")))
		if cost, ok := fields["cost_usd"].(float64); ok && cost > 0 {
			m.CostUSDTotal.Add(cost)
		}
	case agentloop.EventToolCallEnd:
		tool := stringField(fields, "tool")
		status := "success"
		if dry, _ := fields["dry_run"].(bool); dry {
			status = "dry_run"
		} else if ok, _ := fields["success"].(bool); !ok {
			status = "error"
		}
		m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
		m.ToolCallDuration.WithLabelValues(tool).Observe(float64(intField(fields, "duration_ms")) / 1000)
	case agentloop.EventSafetyNet:
		m.SafetyNetsTotal.WithLabelValues(stringField(fields, "reason")).Inc()
	case agentloop.EventContextTrimmed, agentloop.EventCompressed:
		m.ContextEventsTotal.WithLabelValues(string(kind)).Inc()
	case agentloop.EventLoopDetection:
		m.LoopDetectionsTotal.Inc()
	}
}

// Middleware records model call counts and latency.
func (m *Metrics) Middleware() unifiedllm.Middleware {
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) (*unifiedllm.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		m.LLMRequestDuration.WithLabelValues(req.Provider, req.Model).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "error"
		}
		m.LLMRequestsTotal.WithLabelValues(req.Provider, req.Model, status).Inc()
		return resp, err
	}
}

// WriteToTextfile writes the registry in the Prometheus text format, for the
// node exporter's textfile collector or a CI artifact.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func intField(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
