// Package metrics holds Prometheus instruments that are used across the
// runtime.  All collectors are registered with the global registry, so
// importing this package in main.go is enough to expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RouteExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "route_executions_total",
			Help: "Cumulative number of route executions, by route id.",
		}, []string{"route"})

	RouteErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "route_errors_total",
			Help: "Cumulative number of failed route executions, by error code.",
		}, []string{"code"})

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cumulative number of cache lookups served from pages on disk.",
		})

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cumulative number of cache lookups that required SQL execution.",
		})

	CachePagesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_pages_written_total",
			Help: "Cumulative number of Parquet pages materialised.",
		})

	CacheQuarantinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_quarantines_total",
			Help: "Cumulative number of cache directories removed after corruption.",
		})

	ActiveMaterialisations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_materialisations",
			Help: "Number of cache writes currently in flight.",
		})

	// EngineConnectsTotal counts fresh engine connections.  Cache-reuse
	// tests probe this counter to prove SQL was not re-executed.
	EngineConnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_connects_total",
			Help: "Cumulative number of engine connections acquired.",
		})

	SharesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shares_created_total",
			Help: "Cumulative number of share links created.",
		})

	SharesConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shares_consumed_total",
			Help: "Cumulative number of share links successfully consumed.",
		})
)

func init() {
	prometheus.MustRegister(
		RouteExecutionsTotal,
		RouteErrorsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CachePagesWrittenTotal,
		CacheQuarantinesTotal,
		ActiveMaterialisations,
		EngineConnectsTotal,
		SharesCreatedTotal,
		SharesConsumedTotal,
	)
}
