package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "venice_bridge"

// Metrics instruments the bridge. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests       *prometheus.CounterVec
	retries        prometheus.Counter
	logins         *prometheus.CounterVec
	records        *prometheus.CounterVec
	streamDuration *prometheus.HistogramVec
	lockWait       prometheus.Histogram
	sessionLive    prometheus.Gauge
}

// NewMetrics registers the bridge collectors with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Bridge operations by output shape and outcome.",
		}, []string{"shape", "outcome"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_retries_total",
			Help:      "Transport faults that triggered a re-login and retry.",
		}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Session acquisitions that ran the sign-in protocol, by outcome.",
		}, []string{"mode", "outcome"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_total",
			Help:      "Stream records by classification.",
		}, []string{"class"}),
		streamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stream_duration_seconds",
			Help:      "Time spent draining one intercepted stream.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"finish"}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "session_lock_wait_seconds",
			Help:      "Time requests spent queued for the session lock.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		sessionLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "session_live",
			Help:      "1 while an authenticated browser session exists.",
		}),
	}
}

func (m *Metrics) request(shape Shape, outcome string) {
	if m != nil {
		m.requests.WithLabelValues(shape.String(), outcome).Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) login(mode, outcome string) {
	if m != nil {
		m.logins.WithLabelValues(mode, outcome).Inc()
	}
}

func (m *Metrics) record(class string) {
	if m != nil {
		m.records.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) stream(finish string, seconds float64) {
	if m != nil {
		m.streamDuration.WithLabelValues(finish).Observe(seconds)
	}
}

func (m *Metrics) waited(seconds float64) {
	if m != nil {
		m.lockWait.Observe(seconds)
	}
}

func (m *Metrics) live(up bool) {
	if m == nil {
		return
	}
	if up {
		m.sessionLive.Set(1)
	} else {
		m.sessionLive.Set(0)
	}
}
