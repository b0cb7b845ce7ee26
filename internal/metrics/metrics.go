// Package metrics holds the Prometheus collectors of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paperclip"

type Metrics struct {
	SaveOps         *prometheus.CounterVec
	OwnerlessClaims prometheus.Counter
	SnapshotBytes   prometheus.Histogram
	Logins          *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	BackendUp       *prometheus.GaugeVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SaveOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_operations_total",
			Help:      "Save operations by kind and outcome",
		}, []string{"op", "outcome"}),
		OwnerlessClaims: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_ownerless_claims_total",
			Help:      "Ownerless legacy saves claimed or deleted by the first authenticated caller",
		}),
		SnapshotBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes",
			Help:      "Canonical size of accepted snapshots",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome",
		}, []string{"outcome"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		BackendUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "1 when the last health probe of a backend succeeded",
		}, []string{"backend"}),
	}
}

func (m *Metrics) SaveOp(op, outcome string) {
	if m == nil {
		return
	}
	m.SaveOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) OwnerlessClaim() {
	if m == nil {
		return
	}
	m.OwnerlessClaims.Inc()
}

func (m *Metrics) ObserveSnapshot(n int) {
	if m == nil {
		return
	}
	m.SnapshotBytes.Observe(float64(n))
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) SetBackendUp(backend string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.BackendUp.WithLabelValues(backend).Set(v)
}
