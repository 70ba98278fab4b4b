// Package metrics exposes the gateway's counters and gauges in real
// Prometheus exposition format via prometheus/client_golang, using the
// exact metric names spec §4.6 mandates so existing dashboards built
// against the original text-format endpoint keep working unmodified.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway's Prometheus collectors, registered on a
// private registry so the process can run multiple gateways in one
// binary in tests without colliding with the default global registry.
type Metrics struct {
	reg *prometheus.Registry

	requestsTotal prometheus.Counter
	failuresTotal prometheus.Counter
	phoneHits     *prometheus.CounterVec
	latencySum    *latencyAverage
}

// latencyAverage tracks a running mean of request latency in seconds,
// exposed as gw_latency_seconds_avg (a gauge, not a histogram) to match
// the single scalar the original gateway exposed.
type latencyAverage struct {
	gauge prometheus.Gauge
	mu    sync.Mutex
	sum   sum
}

type sum struct {
	total time.Duration
	count int64
}

// New builds and registers all gateway collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_requests_total",
			Help: "Total number of /ask-family requests dispatched to a backend.",
		}),
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gw_failures_total",
			Help: "Total number of backend dispatch attempts that failed.",
		}),
		phoneHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gw_phone_hits_total",
			Help: "Total number of backend dispatch attempts per backend, successful or not.",
		}, []string{"phone"}),
		latencySum: &latencyAverage{
			gauge: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gw_latency_seconds_avg",
				Help: "Running average end-to-end dispatch latency in seconds.",
			}),
		},
	}

	reg.MustRegister(m.requestsTotal, m.failuresTotal, m.phoneHits, m.latencySum.gauge)
	return m
}

// Mark records the outcome of one dispatch attempt against device
// (keyed the same as model.DeviceConfig.Key) with its end-to-end
// latency.
func (m *Metrics) Mark(device string, ok bool, latency time.Duration) {
	m.requestsTotal.Inc()
	m.phoneHits.WithLabelValues(device).Inc()
	if !ok {
		m.failuresTotal.Inc()
		return
	}

	m.latencySum.mu.Lock()
	m.latencySum.sum.total += latency
	m.latencySum.sum.count++
	avg := float64(m.latencySum.sum.total) / float64(m.latencySum.sum.count) / float64(time.Second)
	m.latencySum.mu.Unlock()
	m.latencySum.gauge.Set(avg)
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
