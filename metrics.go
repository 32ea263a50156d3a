package gapline

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	QueriesTotal       *prometheus.CounterVec
	QueryDuration      *prometheus.HistogramVec
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsRejected prometheus.Counter
	AuthFailures       prometheus.Counter
	WALFlushDuration   prometheus.Histogram
	WALFlushBatchSize  prometheus.Histogram
	EventsDropped      prometheus.Counter
}

// NewMetrics registers the gapline collectors on a fresh registry.
func NewMetrics(tenantCount func() int) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gapline_queries_total",
			Help: "Statements executed, by command.",
		}, []string{"command"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gapline_query_duration_seconds",
			Help:    "Statement execution latency, by command.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gapline_connections_active",
			Help: "Open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapline_connections_total",
			Help: "Client connections accepted since start.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapline_connections_rejected_total",
			Help: "Client connections refused at startup.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapline_auth_failures_total",
			Help: "Failed password authentications.",
		}),
		WALFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gapline_wal_flush_duration_seconds",
			Help:    "WAL append-and-sync latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		WALFlushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gapline_wal_flush_batch_size",
			Help:    "Events per committed WAL record.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gapline_events_dropped_total",
			Help: "Change events dropped on lagging subscribers.",
		}),
	}
	registry.MustRegister(
		m.QueriesTotal,
		m.QueryDuration,
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionsRejected,
		m.AuthFailures,
		m.WALFlushDuration,
		m.WALFlushBatchSize,
		m.EventsDropped,
	)
	if tenantCount != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gapline_tenants_active",
			Help: "Open tenant engines.",
		}, func() float64 { return float64(tenantCount()) }))
	}
	return m
}

// ObserveQuery records one executed statement.
func (m *Metrics) ObserveQuery(command string, elapsed time.Duration) {
	m.QueriesTotal.WithLabelValues(command).Inc()
	m.QueryDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics on the given port.
func (m *Metrics) Serve(bind string, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go srv.ListenAndServe()
	return srv
}
