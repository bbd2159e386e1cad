// Package metrics implements the Metrics Sink leaf: gauges and monotonic
// counters bound to a per-tablet naming context, backed by
// github.com/prometheus/client_golang, following the style of
// froz-husain-PairDB/storage-node's internal/metrics/prometheus.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ManagerMetrics tracks node-wide state for the Tablet Manager. It is
// registered once against the registerer passed to NewManagerMetrics,
// mirroring NewMetrics(nodeID) in the teacher file.
type ManagerMetrics struct {
	TabletsTotal        prometheus.Gauge
	ReportSequence       prometheus.Gauge
	ReportsGenerated     *prometheus.CounterVec // labeled by "incremental"/"full"
	BootstrapFailures    prometheus.Counter
	BootstrapDuration    prometheus.Histogram
}

// NewManagerMetrics creates and registers the manager-scoped metrics
// against reg. Both the tests and cmd/tablet-node pass a fresh
// prometheus.NewRegistry(); cmd/tablet-node hands that registry to the
// metrics server, which gathers it on every scrape.
func NewManagerMetrics(nodeID string, reg prometheus.Registerer) *ManagerMetrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := prometheus.WrapRegistererWith(labels, reg)

	m := &ManagerMetrics{
		TabletsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablet_node",
			Subsystem: "manager",
			Name:      "tablets_total",
			Help:      "Number of tablet replicas currently registered on this node.",
		}),
		ReportSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablet_node",
			Subsystem: "manager",
			Name:      "report_sequence",
			Help:      "Sequence number of the most recently generated tablet report.",
		}),
		ReportsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablet_node",
			Subsystem: "manager",
			Name:      "reports_generated_total",
			Help:      "Total number of tablet reports generated, by kind.",
		}, []string{"kind"}),
		BootstrapFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablet_node",
			Subsystem: "manager",
			Name:      "bootstrap_failures_total",
			Help:      "Total number of tablet bootstrap attempts that ended in Failed.",
		}),
		BootstrapDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tablet_node",
			Subsystem: "manager",
			Name:      "bootstrap_duration_seconds",
			Help:      "Histogram of tablet bootstrap-and-start durations.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	factory.MustRegister(m.TabletsTotal, m.ReportSequence, m.ReportsGenerated, m.BootstrapFailures, m.BootstrapDuration)
	return m
}

// TabletMetrics is the per-tablet Metrics Sink used by the Transaction
// Tracker, mirroring Kudu's TransactionTracker::Metrics. Each tablet owns a
// private *prometheus.Registry (see NewTabletMetrics) so that deleting and
// recreating a tablet under the same tablet_id never collides with a
// stale registration.
type TabletMetrics struct {
	registry *prometheus.Registry

	AllTransactionsInFlight         prometheus.Gauge
	WriteTransactionsInFlight       prometheus.Gauge
	AlterSchemaTransactionsInFlight prometheus.Gauge
	MemoryPressureRejectionsTotal   prometheus.Counter
	MemoryLimitRejectionsTotal      prometheus.Counter
}

// NewTabletMetrics creates a fresh, privately-registered metrics sink for
// one tablet.
func NewTabletMetrics(tabletID string) *TabletMetrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"tablet_id": tabletID}
	factory := prometheus.WrapRegistererWith(labels, reg)

	m := &TabletMetrics{
		registry: reg,
		AllTransactionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablet_node",
			Subsystem: "txn",
			Name:      "all_transactions_inflight",
			Help:      "Number of transactions currently in-flight, of any kind.",
		}),
		WriteTransactionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablet_node",
			Subsystem: "txn",
			Name:      "write_transactions_inflight",
			Help:      "Number of write transactions currently in-flight.",
		}),
		AlterSchemaTransactionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablet_node",
			Subsystem: "txn",
			Name:      "alter_schema_transactions_inflight",
			Help:      "Number of alter-schema transactions currently in-flight.",
		}),
		MemoryPressureRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablet_node",
			Subsystem: "txn",
			Name:      "memory_pressure_rejections_total",
			Help:      "Transactions rejected because of memory pressure on this tablet or an ancestor tracker.",
		}),
		MemoryLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablet_node",
			Subsystem: "txn",
			Name:      "memory_limit_rejections_total",
			Help:      "Transactions rejected because this tablet's own memory limit was reached.",
		}),
	}

	factory.MustRegister(
		m.AllTransactionsInFlight,
		m.WriteTransactionsInFlight,
		m.AlterSchemaTransactionsInFlight,
		m.MemoryPressureRejectionsTotal,
		m.MemoryLimitRejectionsTotal,
	)
	return m
}

// Registry returns the tablet's private collector registry, for a
// federating /metrics handler to gather alongside the manager-scoped
// registry.
func (m *TabletMetrics) Registry() *prometheus.Registry {
	return m.registry
}
