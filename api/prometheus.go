package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics holds the exported prometheus counters.
type promMetrics struct {
	requests         *prometheus.CounterVec
	envelopeFailures *prometheus.CounterVec
	handoffs         *prometheus.CounterVec
	tokensIssued     *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubgate_requests_total",
			Help: "Protocol requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		envelopeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubgate_envelope_failures_total",
			Help: "Envelopes rejected before any field was read.",
		}, []string{"reason"}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubgate_handoff_total",
			Help: "Login handoffs by result.",
		}, []string{"result"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubgate_tokens_issued_total",
			Help: "Tokens issued by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.requests, m.envelopeFailures, m.handoffs, m.tokensIssued)
	return m
}

func (m *promMetrics) request(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *promMetrics) envelopeFailure(reason string) {
	if m == nil {
		return
	}
	m.envelopeFailures.WithLabelValues(reason).Inc()
}

func (m *promMetrics) handoff(result string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(result).Inc()
}

func (m *promMetrics) tokenIssued(kind string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(kind).Inc()
}

func promhttpHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
