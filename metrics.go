package propolis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for the engine and checker.
// Attach with WithMetrics / WithCheckerMetrics; a nil *Metrics disables
// instrumentation, so callers that don't scrape pay nothing.
type Metrics struct {
	grantsPropagatedTotal prometheus.Counter
	bucketsCreatedTotal   prometheus.Counter
	fanOutAbortsTotal     prometheus.Counter
	checksTotal           *prometheus.CounterVec
	checkCacheHitsTotal   prometheus.Counter
	checkCacheMissesTotal prometheus.Counter
}

// NewMetrics creates and registers the propolis collectors with the given
// registerer, typically prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		grantsPropagatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "propolis_grants_propagated_total",
			Help: "Derived grant rows materialized by propagation.",
		}),
		bucketsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "propolis_buckets_created_total",
			Help: "Rows added to the relationship closure cache.",
		}),
		fanOutAbortsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "propolis_fanout_aborts_total",
			Help: "Propagation passes abandoned because the fan-out cap was exceeded.",
		}),
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "propolis_checks_total",
			Help: "Permission checks answered, by result.",
		}, []string{"result"}),
		checkCacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "propolis_check_cache_hits_total",
			Help: "Permission checks answered from the cache.",
		}),
		checkCacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "propolis_check_cache_misses_total",
			Help: "Permission checks that missed the cache.",
		}),
	}
}

func (m *Metrics) grantsPropagated(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.grantsPropagatedTotal.Add(float64(n))
}

func (m *Metrics) bucketsCreated(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bucketsCreatedTotal.Add(float64(n))
}

func (m *Metrics) fanOutAborted() {
	if m == nil {
		return
	}
	m.fanOutAbortsTotal.Inc()
}

func (m *Metrics) checkAnswered(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.checksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) checkCacheHit() {
	if m == nil {
		return
	}
	m.checkCacheHitsTotal.Inc()
}

func (m *Metrics) checkCacheMiss() {
	if m == nil {
		return
	}
	m.checkCacheMissesTotal.Inc()
}
