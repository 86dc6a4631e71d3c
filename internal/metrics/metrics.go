// Package metrics holds the proxy's Prometheus collectors. Each Metrics
// value owns its registry, so tests and embedded servers never collide on
// the global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vncproxy"

// Outcome labels for RequestsTotal.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionDuration  prometheus.Histogram
	BytesTotal       *prometheus.CounterVec
	UpstreamFailures prometheus.Counter
	AuthFailures     *prometheus.CounterVec
	TokensRegistered prometheus.Counter
	TokensSwept      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests by outcome",
		}, []string{"outcome"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Console sessions currently bridged",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Console sessions established",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of bridged console sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed by direction",
		}, []string{"direction"}),
		UpstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dial_failures_total",
			Help:      "Failed connections to console hosts",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected upgrade requests by reason",
		}, []string{"reason"}),
		TokensRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_registered_total",
			Help:      "Tokens registered through the admin API",
		}),
		TokensSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_swept_total",
			Help:      "Expired tokens removed by the sweeper",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.ActiveSessions,
		m.SessionsTotal,
		m.SessionDuration,
		m.BytesTotal,
		m.UpstreamFailures,
		m.AuthFailures,
		m.TokensRegistered,
		m.TokensSwept,
	)
	return m
}

// TrackLiveTokens exports the current store size on every scrape.
func (m *Metrics) TrackLiveTokens(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tokens_live",
		Help:      "Tokens currently held by the store",
	}, func() float64 { return float64(count()) }))
}

// SessionClosed records the totals of a finished session.
func (m *Metrics) SessionClosed(bytesIn, bytesOut int64, d time.Duration) {
	m.ActiveSessions.Dec()
	m.BytesTotal.WithLabelValues("client_to_upstream").Add(float64(bytesIn))
	m.BytesTotal.WithLabelValues("upstream_to_client").Add(float64(bytesOut))
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
