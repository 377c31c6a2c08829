// Package metrics owns the Prometheus registry shared by the HTTP, storage
// and messaging layers.
package metrics

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smartcab"

// Metrics groups the service collectors around a private registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	MQTTMessages        *prometheus.CounterVec
	MQTTConnected       prometheus.Gauge
	BackgroundTasks     prometheus.Gauge
}

// New creates the registry and registers the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Time taken to serve HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		MQTTMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mqtt_messages_total",
				Help:      "Total number of inbound MQTT messages by handling result",
			},
			[]string{"result"},
		),
		MQTTConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mqtt_connected",
				Help:      "1 when the MQTT client holds a broker connection",
			},
		),
		BackgroundTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "background_tasks_running",
				Help:      "Number of running background tasks",
			},
		),
	}

	reg.MustRegister(m.HTTPRequests, m.HTTPRequestDuration, m.MQTTMessages, m.MQTTConnected, m.BackgroundTasks)
	return m
}

// RegisterDB exports connection pool statistics for db.
func (m *Metrics) RegisterDB(name string, db *sql.DB) error {
	return m.registry.Register(collectors.NewDBStatsCollector(db, name))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
