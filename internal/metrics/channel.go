// Package metrics provides Prometheus metrics for worker channels, worker
// processes and the resources they host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "workerctl"

var (
	channelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "requests_total",
		Help:      "Requests sent to workers by outcome",
	}, []string{"channel", "method", "result"})

	channelRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "request_duration_seconds",
		Help:      "Time from request write to response",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5, 15},
	}, []string{"channel", "method"})

	channelPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "pending_requests",
		Help:      "Requests waiting for a response",
	}, []string{"channel"})

	channelNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "notifications_total",
		Help:      "Worker notifications by routing outcome",
	}, []string{"channel", "outcome"})

	channelFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "frames_total",
		Help:      "Inbound frames by kind",
	}, []string{"channel", "kind"})
)

// ObserveRequest records a finished request.
func ObserveRequest(channel, method, result string, d time.Duration) {
	channelRequests.WithLabelValues(channel, method, result).Inc()
	channelRequestDuration.WithLabelValues(channel, method).Observe(d.Seconds())
}

// PendingRequestsInc increments the pending request gauge.
func PendingRequestsInc(channel string) {
	channelPending.WithLabelValues(channel).Inc()
}

// PendingRequestsDec decrements the pending request gauge.
func PendingRequestsDec(channel string) {
	channelPending.WithLabelValues(channel).Dec()
}

// ObserveNotification counts a notification as delivered, buffered or dropped.
func ObserveNotification(channel, outcome string) {
	channelNotifications.WithLabelValues(channel, outcome).Inc()
}

// ObserveFrame counts an inbound frame.
func ObserveFrame(channel, kind string) {
	channelFrames.WithLabelValues(channel, kind).Inc()
}
