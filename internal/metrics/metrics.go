// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simple_publish_requests_total",
		Help: "PUBLISH requests by classified action and response status",
	}, []string{"action", "status"})
	subscribeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simple_subscribe_requests_total",
		Help: "SUBSCRIBE requests by transition and response status",
	}, []string{"transition", "status"})
	notifies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simple_notify_total",
		Help: "Outbound NOTIFY requests by outcome",
	}, []string{"result"})
	staleSubscriptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simple_stale_subscriptions_removed_total",
		Help: "Subscriptions removed because the watcher's dialog was gone",
	})
	etagsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simple_etags_reaped_total",
		Help: "Dangling etag index entries removed by the reaper",
	})
	activeTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simple_subscription_timers",
		Help: "Armed subscription expiry timers",
	})
	notifyLatencies = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "simple_notify_latency_seconds",
		Help: "NOTIFY request/response time",
		// 12 buckets from 10ms to 30s.
		Buckets: prometheus.ExponentialBucketsRange(0.01, 30, 12),
	})
)

// Publish counts one PUBLISH outcome.
func Publish(action string, status int) {
	publishRequests.WithLabelValues(action, strconv.Itoa(status)).Inc()
}

// Subscribe counts one SUBSCRIBE outcome.
func Subscribe(transition string, status int) {
	subscribeRequests.WithLabelValues(transition, strconv.Itoa(status)).Inc()
}

// Notify counts one NOTIFY outcome and its latency.
func Notify(result string, seconds float64) {
	notifies.WithLabelValues(result).Inc()
	notifyLatencies.Observe(seconds)
}

// StaleSubscriptionRemoved counts a delivery-failure cleanup.
func StaleSubscriptionRemoved() { staleSubscriptions.Inc() }

// ETagsReaped adds n reaped index entries.
func ETagsReaped(n int) { etagsReaped.Add(float64(n)) }

// TimerArmed and TimerReleased track armed subscription timers.
func TimerArmed()    { activeTimers.Inc() }
func TimerReleased() { activeTimers.Dec() }
