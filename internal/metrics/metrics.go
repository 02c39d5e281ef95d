package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	MessagesSent        *prometheus.CounterVec
	MessagesInbound     *prometheus.CounterVec
	SendFailures        *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	RateLimitRejections *prometheus.CounterVec
	WalletDebits        *prometheus.CounterVec
	WalletDebitFailures *prometheus.CounterVec
	WebhookEvents       *prometheus.CounterVec
	WebhookDuplicates   *prometheus.CounterVec
	AssignmentOutcomes  *prometheus.CounterVec
	Errors              *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total outbound messages accepted by a provider.",
			}, []string{"channel", "action"}),
			MessagesInbound: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_inbound_total",
				Help:      "Total inbound messages normalized from provider webhooks.",
			}, []string{"channel"}),
			SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_failures_total",
				Help:      "Total failed sends by channel and failure kind.",
			}, []string{"channel", "kind"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Latency distribution for provider API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"channel", "status"}),
			RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejections_total",
				Help:      "Total sends rejected by the rate limiter.",
			}, []string{"channel", "action"}),
			WalletDebits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wallet_debits_total",
				Help:      "Total successful wallet debits by channel.",
			}, []string{"channel"}),
			WalletDebitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wallet_debit_failures_total",
				Help:      "Total rejected wallet debits by reason.",
			}, []string{"channel", "reason"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total provider webhook events by channel and outcome.",
			}, []string{"channel", "outcome"}),
			WebhookDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_duplicates_total",
				Help:      "Total provider webhook events dropped as duplicates.",
			}, []string{"channel"}),
			AssignmentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assignment_outcomes_total",
				Help:      "Total auto-assignment attempts by outcome.",
			}, []string{"outcome"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.MessagesSent,
			metricsInstance.MessagesInbound,
			metricsInstance.SendFailures,
			metricsInstance.ProviderLatency,
			metricsInstance.RateLimitRejections,
			metricsInstance.WalletDebits,
			metricsInstance.WalletDebitFailures,
			metricsInstance.WebhookEvents,
			metricsInstance.WebhookDuplicates,
			metricsInstance.AssignmentOutcomes,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
