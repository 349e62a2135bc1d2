// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package metrics exposes Prometheus collectors for logins, exports and the
// notification queue. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backupgate"

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	logins          *prometheus.CounterVec
	exports         *prometheus.CounterVec
	exportBytes     *prometheus.CounterVec
	exportDuration  *prometheus.HistogramVec
	exportsActive   prometheus.Gauge
	notifications   *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	borgInvocations *prometheus.CounterVec
}

// New creates a Metrics with process and Go runtime collectors included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome (success, failure, blocked).",
		}, []string{"outcome"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Finished exports by source kind and terminal state.",
		}, []string{"source", "state"}),
		exportBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_bytes_total",
			Help:      "Bytes streamed to clients by source kind.",
		}, []string{"source"}),
		exportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_duration_seconds",
			Help:      "Export duration by source kind.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 4, 8),
		}, []string{"source"}),
		exportsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exports_active",
			Help:      "Exports currently streaming.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications by result (sent, failed, dropped).",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-address limiter.",
		}, []string{"route"}),
		borgInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "borg_invocations_total",
			Help:      "borg metadata commands by operation and result.",
		}, []string{"op", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins, m.exports, m.exportBytes, m.exportDuration, m.exportsActive,
		m.notifications, m.rateLimited, m.borgInvocations,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterGaugeFunc adds a gauge whose value is sampled from fn on scrape.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ExportStarted() {
	if m == nil {
		return
	}
	m.exportsActive.Inc()
}

func (m *Metrics) ExportFinished(source, state string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.exportsActive.Dec()
	m.exports.WithLabelValues(source, state).Inc()
	m.exportBytes.WithLabelValues(source).Add(float64(bytes))
	m.exportDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

func (m *Metrics) BorgInvocation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.borgInvocations.WithLabelValues(op, result).Inc()
}
