// Package metrics exposes Prometheus collectors for the session backbone.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	uamLogins        *prometheus.CounterVec
	radiusRequests   *prometheus.CounterVec
	radiusLatency    *prometheus.HistogramVec
	accountingWrites *prometheus.CounterVec
	sessionsLinked   *prometheus.CounterVec
	disconnectsQueue *prometheus.CounterVec
	disconnectsDone  *prometheus.CounterVec
	kicks            *prometheus.CounterVec
	bridgeConnected  prometheus.Gauge
	notifyPublished  *prometheus.CounterVec
}

// New constructs unregistered collectors.
func New() *Metrics {
	return &Metrics{
		uamLogins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotfi_uam_logins_total",
				Help: "UAM login attempts by outcome",
			},
			[]string{"result"},
		),
		radiusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotfi_radius_requests_total",
				Help: "RADIUS requests by type and result",
			},
			[]string{"type", "result"},
		),
		radiusLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spotfi_radius_latency_seconds",
				Help:    "RADIUS exchange latency",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"type"},
		),
		accountingWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotfi_accounting_writes_total",
				Help: "Accounting writes by status type and result",
			},
			[]string{"status", "result"},
		),
		sessionsLinked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotfi_sessions_linked_total",
				Help: "Accounting sessions linked to a router by match rule",
			},
			[]string{"rule"},
		),
		disconnectsQueue: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotfi_disconnects_enqueued_total",
				Help: "Disconnect queue entries inserted by reason",
			},
			[]string{"reason"},
		),
		disconnectsDone: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotfi_disconnects_processed_total",
				Help: "Disconnect queue entries processed by result",
			},
			[]string{"result"},
		),
		kicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotfi_bridge_kicks_total",
				Help: "Client kicks sent to routers by result",
			},
			[]string{"result"},
		),
		bridgeConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spotfi_bridge_connected_routers",
				Help: "Routers with a live control channel",
			},
		),
		notifyPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotfi_notify_published_total",
				Help: "Disconnect notifications published by result",
			},
			[]string{"result"},
		),
	}
}

// Register registers all collectors with reg, ignoring duplicates.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		m.uamLogins,
		m.radiusRequests,
		m.radiusLatency,
		m.accountingWrites,
		m.sessionsLinked,
		m.disconnectsQueue,
		m.disconnectsDone,
		m.kicks,
		m.bridgeConnected,
		m.notifyPublished,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

// Handler returns the Prometheus HTTP handler for the default gatherer.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordLogin records a UAM login outcome.
func (m *Metrics) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.uamLogins.WithLabelValues(result).Inc()
}

// RecordRADIUSRequest records one RADIUS exchange.
func (m *Metrics) RecordRADIUSRequest(reqType, result string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.radiusRequests.WithLabelValues(reqType, result).Inc()
	m.radiusLatency.WithLabelValues(reqType).Observe(latencySeconds)
}

// RecordAccountingWrite records an accounting store write.
func (m *Metrics) RecordAccountingWrite(status, result string) {
	if m == nil {
		return
	}
	m.accountingWrites.WithLabelValues(status, result).Inc()
}

// RecordSessionLinked records which rule linked a session to its router.
func (m *Metrics) RecordSessionLinked(rule string) {
	if m == nil {
		return
	}
	m.sessionsLinked.WithLabelValues(rule).Inc()
}

// RecordDisconnectEnqueued records a new disconnect queue entry.
func (m *Metrics) RecordDisconnectEnqueued(reason string) {
	if m == nil {
		return
	}
	m.disconnectsQueue.WithLabelValues(reason).Inc()
}

// RecordDisconnectProcessed records a processed disconnect queue entry.
func (m *Metrics) RecordDisconnectProcessed(result string) {
	if m == nil {
		return
	}
	m.disconnectsDone.WithLabelValues(result).Inc()
}

// RecordKick records one kick outcome.
func (m *Metrics) RecordKick(result string) {
	if m == nil {
		return
	}
	m.kicks.WithLabelValues(result).Inc()
}

// SetBridgeConnected sets the number of connected routers.
func (m *Metrics) SetBridgeConnected(count int) {
	if m == nil {
		return
	}
	m.bridgeConnected.Set(float64(count))
}

// RecordNotifyPublished records a notification publish outcome.
func (m *Metrics) RecordNotifyPublished(result string) {
	if m == nil {
		return
	}
	m.notifyPublished.WithLabelValues(result).Inc()
}
