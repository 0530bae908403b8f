package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics for the streaming pipeline.
//
// Built on Prometheus, it tracks:
//   - Provider stream performance and round counts per request
//   - Token consumption and accumulated cost
//   - Tool execution patterns, latencies, timeouts, and background promotions
//   - History compactions
//   - Error rates categorized by code and component
type Metrics struct {
	// StreamRounds counts provider streams opened.
	// Labels: provider, model
	StreamRounds *prometheus.CounterVec

	// StreamDuration measures provider stream wall time in seconds.
	// Labels: provider, model
	StreamDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cached)
	TokensUsed *prometheus.CounterVec

	// CostTotal accumulates cost in USD.
	// Labels: model
	CostTotal *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error|timeout|skipped)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolDuration *prometheus.HistogramVec

	// BackgroundPromotions counts tools promoted past their wall budget.
	// Labels: tool_name
	BackgroundPromotions *prometheus.CounterVec

	// Compactions counts history compactions.
	// Labels: reason (threshold|manual)
	Compactions *prometheus.CounterVec

	// Errors tracks errors by component and code.
	// Labels: component (orchestrator|provider|tool|history), code
	Errors *prometheus.CounterVec

	// ActiveRequests gauges in-flight requests.
	ActiveRequests prometheus.Gauge
}

// NewMetrics creates and registers metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry creates metrics on the given registry. A nil
// registry uses the Prometheus default; tests pass their own registry to
// avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		StreamRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "stream_rounds_total",
			Help:      "Provider streams opened, by provider and model.",
		}, []string{"provider", "model"}),

		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ensemble",
			Name:      "stream_duration_seconds",
			Help:      "Provider stream wall time in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "tokens_total",
			Help:      "Tokens consumed, by provider, model, and type.",
		}, []string{"provider", "model", "type"}),

		CostTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "cost_usd_total",
			Help:      "Accumulated cost in USD, by model.",
		}, []string{"model"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "tool_executions_total",
			Help:      "Tool invocations, by tool name and status.",
		}, []string{"tool_name", "status"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ensemble",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		BackgroundPromotions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "tool_background_promotions_total",
			Help:      "Tools promoted to background after exceeding the wall budget.",
		}, []string{"tool_name"}),

		Compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "history_compactions_total",
			Help:      "History compactions, by trigger reason.",
		}, []string{"reason"}),

		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ensemble",
			Name:      "errors_total",
			Help:      "Errors, by component and code.",
		}, []string{"component", "code"}),

		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ensemble",
			Name:      "active_requests",
			Help:      "Requests currently in flight.",
		}),
	}
}

// RecordUsage updates token and cost counters from one ledger entry.
func (m *Metrics) RecordUsage(provider, model string, inputTokens, outputTokens, cachedTokens int, cost float64) {
	if m == nil {
		return
	}
	m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	if cachedTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "cached").Add(float64(cachedTokens))
	}
	if cost > 0 {
		m.CostTotal.WithLabelValues(model).Add(cost)
	}
}
