// Package metrics exposes the output's Prometheus collectors. Every recorder
// is safe to call on a nil *Metrics so callers never branch on whether
// metrics are enabled.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "rabbitmq"
	subsystem = "output"
)

// Metrics tracks publish, retry and back-pressure statistics.
type Metrics struct {
	mu sync.Mutex

	publishedTotal  *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	confirmDuration *prometheus.HistogramVec
	gateEngaged     prometheus.Gauge
	gateWaiting     prometheus.Gauge
	channelsOpened  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer selects the default one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		publishedTotal:  newCounterVec("published_total", "Messages confirmed by the broker", []string{"exchange"}),
		retriesTotal:    newCounterVec("retries_total", "Publish attempts that failed with a retriable error", []string{"exchange", "reason"}),
		confirmDuration: newHistogramVec("confirm_duration_seconds", "Time from publish to broker confirmation", []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30}, []string{"exchange"}),
		gateEngaged:     newGauge("gate_engaged", "1 while the broker has blocked publishing"),
		gateWaiting:     newGauge("gate_waiting", "Publishers parked behind the back-pressure gate"),
		channelsOpened:  newCounterVec("channels_opened_total", "Channels opened for publishing workers", nil),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.retriesTotal,
		m.confirmDuration,
		m.gateEngaged,
		m.gateWaiting,
		m.channelsOpened,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublished counts a confirmed message.
func (m *Metrics) RecordPublished(exchange string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(exchange).Inc()
}

// RecordRetry counts a failed attempt that will be retried.
func (m *Metrics) RecordRetry(exchange, reason string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(exchange, reason).Inc()
}

// ObserveConfirm records how long the broker took to confirm.
func (m *Metrics) ObserveConfirm(exchange string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmDuration.WithLabelValues(exchange).Observe(d.Seconds())
}

// SetGateEngaged mirrors the back-pressure gate state.
func (m *Metrics) SetGateEngaged(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.gateEngaged.Set(1)
		return
	}
	m.gateEngaged.Set(0)
}

// SetGateWaiting mirrors the number of parked publishers.
func (m *Metrics) SetGateWaiting(n int64) {
	if m == nil {
		return
	}
	m.gateWaiting.Set(float64(n))
}

// ChannelOpened counts a channel opened by the affinity registry.
func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.channelsOpened.WithLabelValues().Inc()
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.publishedTotal.Reset()
	m.retriesTotal.Reset()
	m.confirmDuration.Reset()
	m.gateEngaged.Set(0)
	m.gateWaiting.Set(0)
	m.channelsOpened.Reset()
}
