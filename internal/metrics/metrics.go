// Package metrics exposes Prometheus collectors for the gateway
package metrics

import (
	"errors"
	"time"

	"github.com/alexbotov/spworlds/pkg/spworlds"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels
const (
	OutcomeOK         = "ok"
	OutcomeAPIError   = "api_error"
	OutcomeTimeout    = "timeout"
	OutcomeValidation = "validation"
	OutcomeTransport  = "transport"
)

// Metrics groups the gateway collectors
type Metrics struct {
	UpstreamDuration  *prometheus.HistogramVec
	WebhookDeliveries *prometheus.CounterVec
	Payments          *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
}

// New creates unregistered collectors
func New() *Metrics {
	return &Metrics{
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spworlds",
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of SPWorlds API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spworlds",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by outcome.",
		}, []string{"kind", "outcome"}),
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spworlds",
			Name:      "payments_total",
			Help:      "Payments by resulting status.",
		}, []string{"status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spworlds",
			Name:      "http_requests_total",
			Help:      "Gateway HTTP requests.",
		}, []string{"method", "route", "code"}),
	}
}

// Register adds every collector to reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.UpstreamDuration, m.WebhookDeliveries, m.Payments, m.HTTPRequests} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveUpstream records the latency and outcome of an API call
func (m *Metrics) ObserveUpstream(operation string, start time.Time, err error) {
	m.UpstreamDuration.WithLabelValues(operation, Outcome(err)).Observe(time.Since(start).Seconds())
}

// Outcome classifies a client error into a label value
func Outcome(err error) string {
	var apiErr *spworlds.APIError
	var timeoutErr *spworlds.TimeoutError
	var validationErr *spworlds.ValidationError

	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &validationErr):
		return OutcomeValidation
	case errors.As(err, &apiErr):
		return OutcomeAPIError
	case errors.As(err, &timeoutErr):
		return OutcomeTimeout
	default:
		return OutcomeTransport
	}
}
