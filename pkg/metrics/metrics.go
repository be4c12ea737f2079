// Package metrics exposes the fleet's Prometheus instrumentation: counters
// fed from the event log, fleet-level gauges polled from the store, and the
// HTTP middleware series.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flightline/fleet/pkg/events"
)

// Metrics holds the registry and every instrument the fleet exports.
type Metrics struct {
	registry *prometheus.Registry

	// Events carries one series per (stream_type, event_type) appended to
	// the log.
	Events *prometheus.CounterVec

	// HTTPRequests and HTTPDuration instrument the API surface.
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// StreamClients gauges open websocket event streams.
	StreamClients prometheus.Gauge

	// Fleet-level gauges refreshed by the Poller.
	Pilots       *prometheus.GaugeVec
	Missions     *prometheus.GaugeVec
	WorkOrders   *prometheus.GaugeVec
	Reservations prometheus.Gauge
	Locks        prometheus.Gauge
}

// New builds the metric set on a fresh registry, including the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_events_total",
			Help: "Events appended to the log.",
		}, []string{"stream_type", "event_type"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "API requests served.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_stream_clients",
			Help: "Open websocket event streams.",
		}),
		Pilots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_pilots",
			Help: "Registered pilots by status.",
		}, []string{"status"}),
		Missions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_missions",
			Help: "Missions by status.",
		}, []string{"status"}),
		WorkOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_work_orders",
			Help: "Work orders by status.",
		}, []string{"status"}),
		Reservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_active_reservations",
			Help: "Active file reservations.",
		}),
		Locks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_active_locks",
			Help: "Active keyed locks.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Events, m.HTTPRequests, m.HTTPDuration, m.StreamClients,
		m.Pilots, m.Missions, m.WorkOrders, m.Reservations, m.Locks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvents counts every appended event until ctx ends.
func (m *Metrics) ObserveEvents(ctx context.Context, notifier *events.Notifier) {
	ch, cancel := notifier.SubscribeAll()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-ch:
				m.Events.WithLabelValues(string(e.StreamType), e.EventType).Inc()
			}
		}
	}()
}

// ObserveRequest records one served API request.
func (m *Metrics) ObserveRequest(method, path string, status string, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
