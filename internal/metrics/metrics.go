// Package metrics exposes ingress counters for prometheus scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printgate",
			Name:      "submissions_total",
			Help:      "Print submissions by protocol and outcome.",
		},
		[]string{"protocol", "outcome"},
	)

	Denials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printgate",
			Name:      "denials_total",
			Help:      "Authorization denials by class.",
		},
		[]string{"protocol", "class"},
	)

	SubmittedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printgate",
			Name:      "submitted_bytes_total",
			Help:      "Document bytes accepted into the spool.",
		},
		[]string{"protocol"},
	)

	ActiveRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "printgate",
			Name:      "active_requests",
			Help:      "Requests currently being handled.",
		},
		[]string{"protocol"},
	)

	HandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "printgate",
			Name:      "handle_duration_seconds",
			Help:      "Time from accept to response or close.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"protocol"},
	)
)

func init() {
	prometheus.MustRegister(Submissions, Denials, SubmittedBytes, ActiveRequests, HandleDuration)
}

// Outcome labels.
const (
	OutcomeAccepted = "accepted"
	OutcomeDenied   = "denied"
	OutcomeRejected = "rejected"
	OutcomePing     = "ping"
	OutcomeError    = "error"
)

// Observe records one finished submission.
func Observe(protocol, outcome string, size int64, started time.Time) {
	Submissions.WithLabelValues(protocol, outcome).Inc()
	if outcome == OutcomeAccepted && size > 0 {
		SubmittedBytes.WithLabelValues(protocol).Add(float64(size))
	}
	if !started.IsZero() {
		HandleDuration.WithLabelValues(protocol).Observe(time.Since(started).Seconds())
	}
}

func Denied(protocol, class string) {
	Denials.WithLabelValues(protocol, class).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
