// Package metrics exposes the daemon's Prometheus instrumentation.
// A private registry keeps tests isolated from the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	MessagesSent    *prometheus.CounterVec // by provider id
	MessagesFailed  *prometheus.CounterVec // by provider id
	MessagesBlocked prometheus.Counter
	MessageRetries  prometheus.Counter

	CampaignsCompleted prometheus.Counter
	CampaignsFailed    prometheus.Counter

	QueueDepth   prometheus.Gauge
	BreakersOpen prometheus.Gauge

	WebhookEvents *prometheus.CounterVec // by status (processed|skipped|invalid)

	NotifySent   prometheus.Counter
	NotifyFailed prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsqd_messages_sent_total",
			Help: "Messages accepted by a gateway.",
		}, []string{"provider"}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsqd_messages_failed_total",
			Help: "Messages that exhausted retries or were rejected permanently.",
		}, []string{"provider"}),
		MessagesBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsqd_messages_blocked_total",
			Help: "Recipients filtered by a blacklist before dispatch.",
		}),
		MessageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsqd_message_retries_total",
			Help: "Send attempts that failed and were requeued.",
		}),

		CampaignsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsqd_campaigns_completed_total",
			Help: "Campaigns that reached completed.",
		}),
		CampaignsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsqd_campaigns_failed_total",
			Help: "Campaigns that finished with zero successful sends.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smsqd_queue_depth",
			Help: "Messages currently queued or leased.",
		}),
		BreakersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smsqd_provider_breakers_open",
			Help: "Providers with an open circuit breaker.",
		}),

		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsqd_webhook_events_total",
			Help: "Payment webhook deliveries by outcome.",
		}, []string{"status"}),

		NotifySent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsqd_notifications_sent_total",
			Help: "Operator notifications delivered.",
		}),
		NotifyFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsqd_notifications_failed_total",
			Help: "Operator notifications that exhausted retries.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesSent, m.MessagesFailed, m.MessagesBlocked, m.MessageRetries,
		m.CampaignsCompleted, m.CampaignsFailed,
		m.QueueDepth, m.BreakersOpen,
		m.WebhookEvents,
		m.NotifySent, m.NotifyFailed,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
