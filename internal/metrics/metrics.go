package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Dispatches       *prometheus.CounterVec
	Analyses         prometheus.Counter
	AnalysisFailures prometheus.Counter
	HubCalls         *prometheus.CounterVec
	WebhookEvents    *prometheus.CounterVec
	HandlerFailures  prometheus.Counter
	EnqueuedEvents   prometheus.Counter
	ProcessedEvents  prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autopilot",
				Name:      "dispatch_total",
				Help:      "Orchestrated executions by tool, strategy and outcome",
			}, []string{"tool", "strategy", "outcome"}),
			Analyses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "autopilot",
				Name:      "analyzer_calls_total",
				Help:      "Total prompt analysis calls to the language model",
			}),
			AnalysisFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "autopilot",
				Name:      "analyzer_failures_total",
				Help:      "Prompt analyses that failed or returned malformed output",
			}),
			HubCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autopilot",
				Name:      "hub_calls_total",
				Help:      "Integration hub calls by operation and outcome",
			}, []string{"op", "outcome"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "autopilot",
				Name:      "webhook_events_total",
				Help:      "Inbound hub webhook deliveries by result",
			}, []string{"result"}),
			HandlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "autopilot",
				Name:      "webhook_handler_failures_total",
				Help:      "Webhook handlers that returned an error or panicked",
			}),
			EnqueuedEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "autopilot",
				Name:      "queue_enqueued_total",
				Help:      "Total webhook events enqueued to redis stream",
			}),
			ProcessedEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "autopilot",
				Name:      "queue_processed_total",
				Help:      "Total webhook events consumed from redis stream",
			}),
		}
		prometheus.MustRegister(
			global.Dispatches,
			global.Analyses,
			global.AnalysisFailures,
			global.HubCalls,
			global.WebhookEvents,
			global.HandlerFailures,
			global.EnqueuedEvents,
			global.ProcessedEvents,
		)
	})
	return global
}
