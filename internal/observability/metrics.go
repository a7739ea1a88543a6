// Package observability exposes prometheus metrics for the sync engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	envelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crew_envelopes_received_total",
			Help: "Total number of inbound envelopes by type.",
		},
		[]string{"type"},
	)
	malformedEnvelopesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crew_envelopes_malformed_total",
			Help: "Total number of inbound frames dropped as malformed.",
		},
	)
	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crew_reconnect_attempts_total",
			Help: "Total number of reconnect attempts scheduled.",
		},
	)
	outboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crew_outbox_depth",
			Help: "Messages currently queued while disconnected.",
		},
	)
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crew_sends_total",
			Help: "Outbound message sends by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		envelopesTotal,
		malformedEnvelopesTotal,
		reconnectsTotal,
		outboxDepth,
		sendsTotal,
	)
}

// ObserveEnvelope counts an inbound envelope by type.
func ObserveEnvelope(typ string) {
	envelopesTotal.WithLabelValues(typ).Inc()
}

// ObserveMalformedEnvelope counts a dropped inbound frame.
func ObserveMalformedEnvelope() {
	malformedEnvelopesTotal.Inc()
}

// ObserveReconnect counts a scheduled reconnect attempt.
func ObserveReconnect() {
	reconnectsTotal.Inc()
}

// SetOutboxDepth records the current outbound queue depth.
func SetOutboxDepth(n int) {
	outboxDepth.Set(float64(n))
}

// ObserveSend counts an outbound send by outcome (sent, queued, failed).
func ObserveSend(outcome string) {
	sendsTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
