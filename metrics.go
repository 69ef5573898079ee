package offlinecache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics of workers and the host.
//
// All metrics use the offline_cache_ prefix. A nil *Metrics records nothing,
// so metrics are optional everywhere.
type Metrics struct {
	// ResponsesTotal counts responses by request class and source
	// (cache, network, offline, synthetic, passthrough)
	ResponsesTotal *prometheus.CounterVec

	// CacheWritesTotal counts region writes by result
	CacheWritesTotal *prometheus.CounterVec

	// EvictionsTotal counts entries removed by trimming
	EvictionsTotal prometheus.Counter

	// RevalidationsTotal counts background updates by result (ok, failed, skipped)
	RevalidationsTotal *prometheus.CounterVec

	// LifecycleTotal counts install and activate events by result
	LifecycleTotal *prometheus.CounterVec

	// RegionsDeletedTotal counts stale region deletions by result
	RegionsDeletedTotal *prometheus.CounterVec

	// Clients tracks the number of connected event streams
	Clients prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
// Panics if registration fails (expected during initialization only).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_responses_total",
				Help: "Total responses by request class and source",
			},
			[]string{"class", "source"},
		),
		CacheWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_writes_total",
				Help: "Total cache region writes by result",
			},
			[]string{"result"},
		),
		EvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offline_cache_evictions_total",
				Help: "Total entries evicted to stay under the entry ceiling",
			},
		),
		RevalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_revalidations_total",
				Help: "Total background revalidations by result",
			},
			[]string{"result"},
		),
		LifecycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_lifecycle_events_total",
				Help: "Total worker lifecycle events by event and result",
			},
			[]string{"event", "result"},
		),
		RegionsDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_regions_deleted_total",
				Help: "Total stale cache regions deleted on activation by result",
			},
			[]string{"result"},
		),
		Clients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "offline_cache_clients",
				Help: "Current number of connected clients",
			},
		),
	}

	reg.MustRegister(
		m.ResponsesTotal,
		m.CacheWritesTotal,
		m.EvictionsTotal,
		m.RevalidationsTotal,
		m.LifecycleTotal,
		m.RegionsDeletedTotal,
		m.Clients,
	)

	return m
}

func (m *Metrics) response(class RequestClass, source string) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(class.String(), source).Inc()
}

func (m *Metrics) cacheWrite(err error) {
	if m == nil {
		return
	}
	m.CacheWritesTotal.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) evicted(n int) {
	if m == nil {
		return
	}
	m.EvictionsTotal.Add(float64(n))
}

func (m *Metrics) revalidation(res string) {
	if m == nil {
		return
	}
	m.RevalidationsTotal.WithLabelValues(res).Inc()
}

func (m *Metrics) lifecycle(event string, err error) {
	if m == nil {
		return
	}
	m.LifecycleTotal.WithLabelValues(event, result(err)).Inc()
}

func (m *Metrics) regionDeleted(err error) {
	if m == nil {
		return
	}
	m.RegionsDeletedTotal.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) clients(n int) {
	if m == nil {
		return
	}
	m.Clients.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
