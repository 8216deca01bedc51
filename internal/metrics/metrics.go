// Package metrics defines the Prometheus collectors exported by the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdf"

var LoadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loads_total",
		Help:      "File loads by outcome (loaded, already_loaded, structural_error, failed).",
	},
	[]string{"status"},
)

var LoadDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "load_duration_seconds",
		Help:      "Wall time of one file load.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	},
)

var VoteCountsWritten = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vote_counts_written_total",
		Help:      "VoteCount rows committed.",
	},
)

var RowsExcluded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_excluded_total",
		Help:      "Source rows excluded because a linking value did not resolve.",
	},
)

var UnresolvedValues = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unresolved_values_total",
		Help:      "Distinct unresolved raw values per load.",
	},
	[]string{"element", "disposition"},
)

var Upserts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upserts_total",
		Help:      "Get-or-create calls by table and outcome (created, existing, retry).",
	},
	[]string{"table", "outcome"},
)

var ReconcileMismatches = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_mismatches_total",
		Help:      "Total/granular disagreements found by load-time reconciliation.",
	},
)

var Exports = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exports_total",
		Help:      "Result documents exported by format (v1, v2).",
	},
	[]string{"format"},
)

var VerifyDiscrepancies = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verify_discrepancies_total",
		Help:      "Reference results that disagreed with stored counts.",
	},
)

func init() {
	prometheus.MustRegister(LoadsTotal)
	prometheus.MustRegister(LoadDuration)
	prometheus.MustRegister(VoteCountsWritten)
	prometheus.MustRegister(RowsExcluded)
	prometheus.MustRegister(UnresolvedValues)
	prometheus.MustRegister(Upserts)
	prometheus.MustRegister(ReconcileMismatches)
	prometheus.MustRegister(Exports)
	prometheus.MustRegister(VerifyDiscrepancies)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
