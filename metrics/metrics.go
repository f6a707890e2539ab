// Package metrics exposes Prometheus collectors for handshakes, channels
// and credential refreshes. A nil *Collectors is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
)

// Collectors groups the secure channel metrics.
type Collectors struct {
	handshakes        *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	channelsActive    prometheus.Gauge
	refreshes         *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	replaysRejected   prometheus.Counter
}

// New creates the collectors under namespace and registers them with reg.
// A nil reg skips registration.
func New(namespace string, reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Secure channel handshakes by role and result.",
		}, []string{"role", "result"}),
		handshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from handshake start to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"role"}),
		channelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Established secure channels.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Credential refresh attempts by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_notifications_total",
			Help:      "Refreshed credential notifications sent to subscribers by result.",
		}, []string{"result"}),
		replaysRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_messages_total",
			Help:      "Channel messages rejected by the replay window.",
		}),
	}

	if reg == nil {
		return c, nil
	}
	var err error
	if c.handshakes, err = register(reg, c.handshakes); err != nil {
		return nil, err
	}
	if c.handshakeDuration, err = register(reg, c.handshakeDuration); err != nil {
		return nil, err
	}
	if c.channelsActive, err = register(reg, c.channelsActive); err != nil {
		return nil, err
	}
	if c.refreshes, err = register(reg, c.refreshes); err != nil {
		return nil, err
	}
	if c.notifications, err = register(reg, c.notifications); err != nil {
		return nil, err
	}
	if c.replaysRejected, err = register(reg, c.replaysRejected); err != nil {
		return nil, err
	}
	return c, nil
}

// register adds collector to reg, or returns the collector already
// registered under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return collector, err
	}
	return collector, nil
}

// HandshakeFinished records one handshake attempt.
func (c *Collectors) HandshakeFinished(role, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.handshakes.WithLabelValues(role, result).Inc()
	if result == ResultSuccess {
		c.handshakeDuration.WithLabelValues(role).Observe(elapsed.Seconds())
	}
}

// ChannelOpened increments the active channel gauge.
func (c *Collectors) ChannelOpened() {
	if c == nil {
		return
	}
	c.channelsActive.Inc()
}

// ChannelClosed decrements the active channel gauge.
func (c *Collectors) ChannelClosed() {
	if c == nil {
		return
	}
	c.channelsActive.Dec()
}

// CredentialRefreshed records one refresh attempt.
func (c *Collectors) CredentialRefreshed(result string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(result).Inc()
}

// NotificationSent records one subscriber notification.
func (c *Collectors) NotificationSent(result string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(result).Inc()
}

// ReplayRejected records a message dropped by the replay window.
func (c *Collectors) ReplayRejected() {
	if c == nil {
		return
	}
	c.replaysRejected.Inc()
}
