package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Line outcomes, used as the result label.
const (
	resultStored    = "stored"
	resultInvalid   = "invalid"
	resultDuplicate = "duplicate"
	resultFailed    = "failed"
)

type metrics struct {
	files       prometheus.Counter
	lines       *prometheus.CounterVec
	passErrors  prometheus.Counter
	pruned      prometheus.Counter
	cardinality prometheus.Gauge
	rebuild     prometheus.Histogram
}

// newMetrics builds the loader collectors. A nil registerer yields working
// but unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		files: f.NewCounter(prometheus.CounterOpts{
			Namespace: "provlog",
			Subsystem: "loader",
			Name:      "files_total",
			Help:      "Spool files processed and removed.",
		}),
		lines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provlog",
			Subsystem: "loader",
			Name:      "lines_total",
			Help:      "Spooled lines by outcome.",
		}, []string{"result"}),
		passErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "provlog",
			Subsystem: "loader",
			Name:      "pass_errors_total",
			Help:      "Passes aborted by a systemic error.",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "provlog",
			Subsystem: "loader",
			Name:      "pruned_records_total",
			Help:      "Records deleted by the retention policy.",
		}),
		cardinality: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "provlog",
			Subsystem: "loader",
			Name:      "index_cardinality",
			Help:      "Identifiers held by the live index after the last rebuild.",
		}),
		rebuild: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "provlog",
			Subsystem: "loader",
			Name:      "rebuild_seconds",
			Help:      "Duration of full index rebuilds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}
