// Package metrics exposes the handler's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "ssogate"

// Decision label values.
const (
	DecisionAllow       = "allow"
	DecisionDeny        = "deny"
	DecisionRedirect    = "redirect"
	DecisionUnavailable = "unavailable"
)

// Metrics collects the handler's counters and histograms.
type Metrics struct {
	registry *prometheus.Registry

	decisions       *prometheus.CounterVec
	sessionCache    *prometheus.CounterVec
	reloads         prometheus.Counter
	brokerMessages  *prometheus.CounterVec
	sessionFetchDur prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "handler",
		Name:      "decisions_total",
		Help:      "The total of access decisions by outcome.",
	}, []string{"decision"})

	m.sessionCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "session",
		Name:      "cache_total",
		Help:      "The total of local session cache lookups by result.",
	}, []string{"result"})

	m.reloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "config",
		Name:      "reload_total",
		Help:      "The total of applied configuration reloads.",
	})

	m.brokerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "broker",
		Name:      "messages_total",
		Help:      "The total of consumed broker messages by action.",
	}, []string{"action"})

	m.sessionFetchDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: "session",
		Name:      "fetch_duration_seconds",
		Help:      "Duration in seconds of a session backend fetch.",
	})

	m.registry.MustRegister(
		m.decisions,
		m.sessionCache,
		m.reloads,
		m.brokerMessages,
		m.sessionFetchDur,
	)
	return m
}

func (m *Metrics) IncDecision(decision string)    { m.decisions.WithLabelValues(decision).Inc() }
func (m *Metrics) IncCacheHit()                   { m.sessionCache.WithLabelValues("hit").Inc() }
func (m *Metrics) IncCacheMiss()                  { m.sessionCache.WithLabelValues("miss").Inc() }
func (m *Metrics) IncReload()                     { m.reloads.Inc() }
func (m *Metrics) IncBrokerMessage(action string) { m.brokerMessages.WithLabelValues(action).Inc() }
func (m *Metrics) ObserveSessionFetch(seconds float64) {
	m.sessionFetchDur.Observe(seconds)
}

// Handler returns the exposition endpoint for the support listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
