// Package metric exposes Prometheus metrics for the relay: active
// participants per transport, admissions, rejections, relayed messages and
// delivery failures.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatrelay"

// Collector groups the relay metrics. A nil *Collector is valid and records
// nothing, which keeps metrics optional for callers and tests.
type Collector struct {
	participants     *prometheus.GaugeVec
	joins            *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	departures       *prometheus.CounterVec
	messages         *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	rateLimited      prometheus.Counter
}

// New registers the relay metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		participants: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_active",
			Help:      "Number of registered participants.",
		}, []string{"transport"}),
		joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Participants admitted.",
		}, []string{"transport"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_rejections_total",
			Help:      "Join attempts rejected, by reason.",
		}, []string{"reason"}),
		departures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "departures_total",
			Help:      "Participants removed, by reason.",
		}, []string{"reason"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_broadcast_total",
			Help:      "Messages fanned out, by kind.",
		}, []string{"kind"}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-recipient deliveries that failed.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rate_limited_total",
			Help:      "Chat messages dropped by the per-session rate limit.",
		}),
	}
}

// Joined records an admission on transport.
func (c *Collector) Joined(transport string) {
	if c == nil {
		return
	}
	c.joins.WithLabelValues(transport).Inc()
	c.participants.WithLabelValues(transport).Inc()
}

// Rejected records a refused join.
func (c *Collector) Rejected(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

// Departed records a removal from transport.
func (c *Collector) Departed(transport, reason string) {
	if c == nil {
		return
	}
	c.departures.WithLabelValues(reason).Inc()
	c.participants.WithLabelValues(transport).Dec()
}

// Broadcast records one fan-out of the given kind.
func (c *Collector) Broadcast(kind string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(kind).Inc()
}

// DeliveryFailed records a failed per-recipient delivery.
func (c *Collector) DeliveryFailed() {
	if c == nil {
		return
	}
	c.deliveryFailures.Inc()
}

// RateLimited records a chat message dropped by rate limiting.
func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}
