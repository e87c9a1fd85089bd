package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesCreated     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "batches_created_total", Help: "Total request batches created"})
	BatchesAccepted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "batches_accepted_total", Help: "Total batches won by a candidate"})
	BatchesAllRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "batches_all_rejected_total", Help: "Total batches rejected by every candidate"})
	BatchesTimedOut    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "batches_timed_out_total", Help: "Total batches expired without resolution"})
	BatchesCancelled   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "batches_cancelled_total", Help: "Total batches cancelled by the requestor"})

	RequestsSent    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "requests_sent_total", Help: "Total individual offers fanned out"})
	RejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "rejections_total", Help: "Total offer rejections recorded"})

	EventsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "events_created_total", Help: "Total tow events created by arbitration"})
	EventsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "events_completed_total", Help: "Total tow events completed"})
	EventsCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "events_cancelled_total", Help: "Total tow events cancelled"})
	EventsTimedOut  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "events_timed_out_total", Help: "Total tow events expired"})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "towline", Name: "notify_failures_total", Help: "Total best-effort notifications that failed to send"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "towline", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "towline",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
