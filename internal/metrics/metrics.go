package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	AgentCalls    prometheus.Counter
	AgentFailures prometheus.Counter
	TurnsAppended *prometheus.CounterVec
	Checkouts     *prometheus.CounterVec
	LiveEvents    *prometheus.CounterVec
	WebhookEvents *prometheus.CounterVec
	LiveConnected prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "captn",
				Name:      "followup_enqueued_total",
				Help:      "Total follow-up jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "captn",
				Name:      "followup_processed_total",
				Help:      "Total follow-up jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "captn",
				Name:      "followup_failed_total",
				Help:      "Total follow-up jobs failed during processing",
			}),
			AgentCalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "captn",
				Name:      "agent_calls_total",
				Help:      "Total chat-completion calls made to the agent",
			}),
			AgentFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "captn",
				Name:      "agent_failures_total",
				Help:      "Total chat-completion calls that failed or returned a malformed reply",
			}),
			TurnsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "captn",
				Name:      "turns_appended_total",
				Help:      "Total conversation turns appended, by role",
			}, []string{"role"}),
			Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "captn",
				Name:      "checkout_sessions_total",
				Help:      "Total checkout session attempts, by result",
			}, []string{"result"}),
			LiveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "captn",
				Name:      "live_events_total",
				Help:      "Total live channel events, by event name",
			}, []string{"event"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "captn",
				Name:      "stripe_webhook_events_total",
				Help:      "Total stripe webhook events, by type",
			}, []string{"type"}),
			LiveConnected: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "captn",
				Name:      "live_connections",
				Help:      "Currently open live channel connections",
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.AgentCalls,
			global.AgentFailures,
			global.TurnsAppended,
			global.Checkouts,
			global.LiveEvents,
			global.WebhookEvents,
			global.LiveConnected,
		)
	})
	return global
}
