package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AdmissionRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notigate_admission_requests_total",
		Help: "Total admission checks evaluated by the rate limiter.",
	})
	AdmissionDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notigate_admission_denied_total",
		Help: "Total denied admission checks, by violated tier.",
	}, []string{"tier"})
	AdmissionBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notigate_admission_blocks_total",
		Help: "Total user blocks created (manual and automatic).",
	})

	NotifyQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notigate_notify_queued_total",
		Help: "Total notifications placed on the offline queue.",
	})
	NotifyDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notigate_notify_delivered_total",
		Help: "Total notifications delivered (immediate or via retry).",
	})
	NotifyExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notigate_notify_expired_total",
		Help: "Total notifications dropped past their expiry.",
	})
	NotifyExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notigate_notify_exhausted_total",
		Help: "Total notifications dropped after exhausting retry attempts.",
	})
	NotifyFailedSends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notigate_notify_failed_sends_total",
		Help: "Total individual failed delivery attempts.",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notigate_queue_depth",
		Help: "Current number of notifications waiting on the offline queue.",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notigate_online_users",
		Help: "Users currently tracked as online.",
	})

	ProviderSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notigate_provider_sends_total",
		Help: "Provider send attempts, by provider and outcome.",
	}, []string{"provider", "outcome"})
)

func Register() {
	prometheus.MustRegister(
		AdmissionRequests, AdmissionDenied, AdmissionBlocks,
		NotifyQueued, NotifyDelivered, NotifyExpired, NotifyExhausted,
		NotifyFailedSends, QueueDepth,
		OnlineUsers,
		ProviderSends,
	)
}
