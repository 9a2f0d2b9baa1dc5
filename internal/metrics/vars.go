package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AdapterErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexagg_adapter_errors_total",
		Help: "Per-venue discovery/quote failures absorbed by the aggregator",
	}, []string{"venue"})

	AggregationTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dexagg_aggregation_timeouts_total",
		Help: "Aggregation rounds that returned partial results on timeout",
	})

	AggregationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dexagg_aggregation_latency_seconds",
		Help:    "Wall time of one aggregation round",
		Buckets: prometheus.DefBuckets,
	})

	RoutesReturned = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dexagg_routes_returned",
		Help:    "Ranked routes produced per aggregation round",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})

	PoolCacheRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dexagg_pool_cache_refreshes_total",
		Help: "Pool list cache refreshes actually performed",
	})

	SwapsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexagg_swaps_executed_total",
		Help: "Executed swaps by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		AdapterErrors,
		AggregationTimeouts,
		AggregationLatency,
		RoutesReturned,
		PoolCacheRefreshes,
		SwapsExecuted,
	)
}
