package metrics

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"method", "status"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method"},
)

var DispatchOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_outcomes_total",
		Help: "Dispatch attempts by provider and outcome",
	},
	[]string{"provider", "outcome"},
)

var ChannelSendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "channel_send_duration_seconds",
		Help:    "Time taken by channel adapters to accept a message",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

var QuotaDenialsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "quota_denials_total",
		Help: "Admission checks rejected for lack of quota",
	},
)

var WebhookEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Provider webhook events by kind and result",
	},
	[]string{"kind", "result"},
)

var SchedulerTicksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "Completed scheduler ticks by job",
	},
	[]string{"job"},
)

var SchedulerTickDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "Duration of scheduler ticks by job",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"job"},
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DispatchOutcomesTotal,
		ChannelSendDuration,
		QuotaDenialsTotal,
		WebhookEventsTotal,
		SchedulerTicksTotal,
		SchedulerTickDuration,
	)
}
