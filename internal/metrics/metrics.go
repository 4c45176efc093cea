// Package metrics is the ambient Prometheus instrumentation surface,
// grounded on Hola-to-network_logistics_problem's use of
// github.com/prometheus/client_golang. Kept even though spec.md's
// Non-goals exclude the original's analytics/billing endpoints — metrics
// are an ambient operability concern, not the feature being excluded.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	pendingGauge    *prometheus.GaugeVec
	loadWaitSeconds prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchd",
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by model and response status class.",
		}, []string{"model", "status_class"}),
		pendingGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchd",
			Name:      "model_pending_requests",
			Help:      "In-flight requests currently attributed to a model.",
		}, []string{"model"}),
		loadWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orchd",
			Name:      "model_load_lock_wait_seconds",
			Help:      "Time a request spent waiting on the global model load lock.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requestsTotal, m.pendingGauge, m.loadWaitSeconds)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(model string, statusCode int) {
	m.requestsTotal.WithLabelValues(model, statusClass(statusCode)).Inc()
}

func (m *Metrics) SetPending(model string, n int) {
	m.pendingGauge.WithLabelValues(model).Set(float64(n))
}

func (m *Metrics) ObserveLoadWaitSeconds(seconds float64) {
	m.loadWaitSeconds.Observe(seconds)
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
