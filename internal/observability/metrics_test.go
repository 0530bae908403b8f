package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	if m == nil {
		t.Fatal("NewMetricsWithRegistry() returned nil")
	}

	m.StreamRounds.WithLabelValues("openai", "gpt-4o").Inc()
	m.ToolExecutions.WithLabelValues("add", "success").Inc()
	m.ToolExecutions.WithLabelValues("add", "success").Inc()
	m.Compactions.WithLabelValues("threshold").Inc()
	m.ActiveRequests.Inc()

	if got := testutil.ToFloat64(m.StreamRounds.WithLabelValues("openai", "gpt-4o")); got != 1 {
		t.Errorf("StreamRounds = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("add", "success")); got != 2 {
		t.Errorf("ToolExecutions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActiveRequests); got != 1 {
		t.Errorf("ActiveRequests = %v, want 1", got)
	}
}

func TestMetrics_RecordUsage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUsage("anthropic", "claude-sonnet-4", 1000, 500, 200, 0.0125)

	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("anthropic", "claude-sonnet-4", "input")); got != 1000 {
		t.Errorf("input tokens = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("anthropic", "claude-sonnet-4", "output")); got != 500 {
		t.Errorf("output tokens = %v, want 500", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("anthropic", "claude-sonnet-4", "cached")); got != 200 {
		t.Errorf("cached tokens = %v, want 200", got)
	}
	if got := testutil.ToFloat64(m.CostTotal.WithLabelValues("claude-sonnet-4")); got != 0.0125 {
		t.Errorf("cost = %v, want 0.0125", got)
	}
}

func TestMetrics_NilReceiverSafe(t *testing.T) {
	var m *Metrics
	// Must not panic.
	m.RecordUsage("openai", "gpt-4o", 1, 1, 0, 0.1)
}
