package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursed_documents_indexed_total",
		Help: "Documents that finished indexing, by terminal status.",
	}, []string{"status"})

	indexDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coursed_index_duration_seconds",
		Help:    "Wall-clock duration of document indexing attempts.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coursed_search_duration_seconds",
		Help:    "Wall-clock duration of synchronous search requests.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)
