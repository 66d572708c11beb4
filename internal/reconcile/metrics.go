package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK     = "ok"
	resultFailed = "failed"
	opAdd        = "add"
	opRemove     = "remove"
)

// Metrics holds the reconciler's prometheus collectors.
type Metrics struct {
	batches     *prometheus.CounterVec
	duration    prometheus.Histogram
	indexOps    *prometheus.CounterVec
	skippedRows *prometheus.CounterVec
	queueDepth  prometheus.Gauge
}

// NewMetrics registers the collectors with registerer. A nil registerer keeps
// them unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "potshelf_reconcile_batches_total",
			Help: "Reconciled change batches by result",
		}, []string{"result"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "potshelf_reconcile_batch_duration_seconds",
			Help:    "Time spent reconciling one change batch",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		indexOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "potshelf_index_operations_total",
			Help: "Search index operations committed by kind",
		}, []string{"op"}),
		skippedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "potshelf_oplog_rows_skipped_total",
			Help: "Operation log rows consumed without effect by reason",
		}, []string{"reason"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "potshelf_queue_depth",
			Help: "Change batches waiting for the reconciler",
		}),
	}
}
