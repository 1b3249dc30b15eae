package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run-scoped counters for the tracer pipeline. Exposed on the optional
// /metrics endpoint while a run is in flight.

var (
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total JSON-RPC calls issued",
	}, []string{"method", "status"})

	RPCRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "rpc",
		Name:      "retries_total",
		Help:      "Total retry attempts by classification reason",
	}, []string{"reason"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for the client-side rate limiter",
	})

	RPCBackoffSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "rpc",
		Name:      "backoff_seconds_total",
		Help:      "Cumulative seconds slept in retry backoff",
	})

	LogRangeFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "logs",
		Name:      "range_fetches_total",
		Help:      "Total eth_getLogs range fetches attempted",
	})

	LogRangeBisectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "logs",
		Name:      "range_bisections_total",
		Help:      "Total range bisections triggered by size-capped responses",
	})

	LogRangeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "logs",
		Name:      "range_cache_hits_total",
		Help:      "Total log range fetches served from the run cache",
	})

	ClassifierProbesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "classifier",
		Name:      "code_probes_total",
		Help:      "Total eth_getCode probes issued for unlabeled addresses",
	})

	TracesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "trace",
		Name:      "completed_total",
		Help:      "Total traces completed by outcome",
	}, []string{"outcome"})

	TraceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "exitflow",
		Subsystem: "trace",
		Name:      "duration_seconds",
		Help:      "Per-exit-event trace duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	ScanChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exitflow",
		Subsystem: "scan",
		Name:      "chunks_total",
		Help:      "Total exit-event scan chunks fetched",
	})
)
