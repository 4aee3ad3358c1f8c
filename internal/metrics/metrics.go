// Package metrics holds the Prometheus collectors rootcause exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rootcause"

var (
	// indexBuildsTotal counts index builds by outcome.
	// Labels: status (ok, canceled, failed)
	indexBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "builds_total",
		Help:      "Total index builds by outcome",
	}, []string{"status"})

	indexBuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "build_seconds",
		Help:      "Wall time of a full index and call graph build",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// indexFilesTotal counts files seen by indexing.
	// Labels: result (indexed, syntax_error, read_error, too_large)
	indexFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "files_total",
		Help:      "Files processed by the indexer by result",
	}, []string{"result"})

	// cacheLookupsTotal counts snapshot cache lookups.
	// Labels: result (hit, disk, miss)
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Snapshot cache lookups by result",
	}, []string{"result"})

	// analysesTotal counts analyses by report confidence.
	// Labels: confidence (high, low, none, error)
	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analyze",
		Name:      "reports_total",
		Help:      "Analyses by resulting confidence",
	}, []string{"confidence"})

	// historyLookupsTotal counts history provider calls.
	// Labels: result (cached, ok, error)
	historyLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "lookups_total",
		Help:      "History signal lookups by result",
	}, []string{"result"})
)

// RecordIndexBuild records the outcome and duration of one index build.
func RecordIndexBuild(status string, seconds float64) {
	indexBuildsTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		indexBuildSeconds.Observe(seconds)
	}
}

// RecordIndexFile records the outcome of indexing one file.
func RecordIndexFile(result string) {
	indexFilesTotal.WithLabelValues(result).Inc()
}

// RecordCacheLookup records a snapshot cache lookup.
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordAnalysis records the confidence of a finished analysis.
func RecordAnalysis(confidence string) {
	analysesTotal.WithLabelValues(confidence).Inc()
}

// RecordHistoryLookup records one history signal lookup.
func RecordHistoryLookup(result string) {
	historyLookupsTotal.WithLabelValues(result).Inc()
}
