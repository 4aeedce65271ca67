package extraction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expertd_extraction_records_total",
		Help: "Extracted candidates by dedup action and record type",
	}, []string{"action", "type"})

	conversationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expertd_extraction_conversations_total",
		Help: "Batch conversations by result (processed, skipped, failed)",
	}, []string{"result"})

	extractDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "expertd_extraction_duration_seconds",
		Help:    "Time to extract and deduplicate one text",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"mode"})
)
