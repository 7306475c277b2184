package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_bidding"

var (
	RidesOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_opened_total", Help: "Total ride requests opened for bidding"})
	BidsTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bids_total", Help: "Total bids submitted or updated"})
	AcceptLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Accept attempt latency seconds"})
	ActiveTimers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_bid_timers", Help: "Number of bid timers being watched"})
	StoreMode        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "store_mode", Help: "Store connectivity mode (0 online, 1 degraded, 2 reconciling)"})

	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accepts_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)
	TimerExpiriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "timer_expiries_total", Help: "Bid timer expiries by source"},
		[]string{"source"},
	)
	OTPAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "otp_attempts_total", Help: "OTP verification attempts by outcome"},
		[]string{"outcome"},
	)
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions"},
		[]string{"status"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification decisions by outcome"},
		[]string{"outcome"},
	)
	PendingWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pending_writes_total", Help: "Pending-write markers by result"},
		[]string{"result"},
	)
	EventsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_consumed_total", Help: "Ride events consumed from the event stream"},
		[]string{"type", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
