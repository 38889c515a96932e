// Package metrics collects and exposes Prometheus metrics for the feed
// pipeline.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeboard/internal/domain"
	"tradeboard/internal/source"
)

// Collector records fetch, push channel and subscription metrics. It
// satisfies fetch.Observer.
type Collector struct {
	cacheHits     *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	collapsed     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	pushMessages  *prometheus.CounterVec
	reconnects    prometheus.Counter
	channelStatus *prometheus.GaugeVec
	subscriptions prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeboard_cache_hits_total",
			Help: "Fetches served from a fresh cache entry.",
		}, []string{"feed_type"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeboard_fetch_total",
			Help: "Network fetches by outcome.",
		}, []string{"feed_type", "outcome"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradeboard_fetch_latency_seconds",
			Help:    "Network fetch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		collapsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeboard_fetch_collapsed_total",
			Help: "Fetches that joined a request already in flight.",
		}, []string{"feed_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeboard_retries_scheduled_total",
			Help: "Retries scheduled after failed fetches.",
		}, []string{"feed_type"}),
		pushMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeboard_push_messages_total",
			Help: "Messages received on the push channel by type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradeboard_channel_reconnects_total",
			Help: "Reconnect attempts made by the push channel.",
		}),
		channelStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeboard_channel_status",
			Help: "1 for the push channel's current status, 0 otherwise.",
		}, []string{"status"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeboard_subscriptions",
			Help: "Live widget subscriptions.",
		}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.fetches,
		c.fetchLatency,
		c.collapsed,
		c.retries,
		c.pushMessages,
		c.reconnects,
		c.channelStatus,
		c.subscriptions,
	)
	c.SetChannelStatus(domain.StatusDisconnected)

	return c
}

// CacheHit records a fetch answered from the cache.
func (c *Collector) CacheHit(feedType string) {
	c.cacheHits.WithLabelValues(feedType).Inc()
}

// FetchDone records a completed network fetch.
func (c *Collector) FetchDone(feedType string, elapsed time.Duration, err error) {
	c.fetches.WithLabelValues(feedType, Outcome(err)).Inc()
	c.fetchLatency.Observe(elapsed.Seconds())
}

// Collapsed records a fetch that shared another caller's request.
func (c *Collector) Collapsed(feedType string) {
	c.collapsed.WithLabelValues(feedType).Inc()
}

// RetryScheduled records a scheduled retry.
func (c *Collector) RetryScheduled(feedType string) {
	c.retries.WithLabelValues(feedType).Inc()
}

// PushMessage records an inbound push channel message.
func (c *Collector) PushMessage(msgType string) {
	c.pushMessages.WithLabelValues(msgType).Inc()
}

// Reconnect records a reconnect attempt.
func (c *Collector) Reconnect() {
	c.reconnects.Inc()
}

// SetChannelStatus flags status as current.
func (c *Collector) SetChannelStatus(status domain.ConnectionStatus) {
	for _, s := range []domain.ConnectionStatus{
		domain.StatusDisconnected, domain.StatusConnecting, domain.StatusConnected, domain.StatusError,
	} {
		v := 0.0
		if s == status {
			v = 1
		}
		c.channelStatus.WithLabelValues(string(s)).Set(v)
	}
}

// SetSubscriptions sets the live subscription gauge.
func (c *Collector) SetSubscriptions(n int) {
	c.subscriptions.Set(float64(n))
}

// Outcome labels a fetch error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, source.ErrTransient):
		return "transient"
	case errors.Is(err, source.ErrServer):
		return "server"
	case errors.Is(err, source.ErrMalformed):
		return "malformed"
	case errors.Is(err, source.ErrUnknownFeed):
		return "unknown_feed"
	default:
		return "other"
	}
}

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
