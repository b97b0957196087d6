package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the daemon's prometheus collectors. All collectors are
// registered on the default registry; the gateway serves them on
// /metrics.
type Metrics struct {
	QueueDepth        prometheus.Gauge
	WorkItemsTotal    *prometheus.CounterVec
	LoopTurnsTotal    prometheus.Counter
	ProviderCalls     *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	ToolExecutions    *prometheus.CounterVec
	CompactionsTotal  prometheus.Counter
	CostRecordedTotal prometheus.Counter
}

// NewMetrics registers and returns the daemon metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lucyd_queue_depth",
			Help: "Number of work items waiting for the dispatcher.",
		}),
		WorkItemsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lucyd_work_items_total",
			Help: "Work items processed, by origin type.",
		}, []string{"type"}),
		LoopTurnsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lucyd_loop_turns_total",
			Help: "Agentic loop turns executed.",
		}),
		ProviderCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lucyd_provider_calls_total",
			Help: "Provider completions, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lucyd_provider_latency_seconds",
			Help:    "Provider completion latency.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lucyd_tool_executions_total",
			Help: "Tool executions, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		CompactionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lucyd_compactions_total",
			Help: "Session compactions performed.",
		}),
		CostRecordedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lucyd_cost_rows_total",
			Help: "Rows written to the cost ledger.",
		}),
	}
}
