// Package metrics exposes pipeline counters in the Prometheus format.
//
// All recorders are safe to call on a nil *Metrics, so components built
// without metrics need no guards.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evtrack"

// Metrics holds the collectors of one pipeline.
type Metrics struct {
	registry *prometheus.Registry

	packets       *prometheus.CounterVec
	records       *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	rollups       *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	backpressure  prometheus.Gauge
	appendLatency prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets processed by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_stored_total",
			Help:      "Normalized records appended to partitions by kind.",
		}, []string{"kind"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_evictions_total",
			Help:      "Pending records evicted before completion by kind.",
		}, []string{"kind"}),
		rollups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollups_total",
			Help:      "Monthly rollup refreshes by result.",
		}, []string{"result"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Partially assembled records waiting for message types by kind.",
		}, []string{"kind"}),
		backpressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_level",
			Help:      "Current backpressure level: 0 normal, 1 warning, 2 critical, 3 emergency.",
		}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_append_duration_seconds",
			Help:      "Histogram of partition read-merge-rewrite durations.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.packets,
		m.records,
		m.evictions,
		m.rollups,
		m.pending,
		m.backpressure,
		m.appendLatency,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Packet counts one packet with its outcome.
func (m *Metrics) Packet(outcome string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(outcome).Inc()
}

// RecordsStored counts appended records of a kind.
func (m *Metrics) RecordsStored(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(kind).Add(float64(n))
}

// Evicted counts an evicted pending record of a kind.
func (m *Metrics) Evicted(kind string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(kind).Inc()
}

// Rollup counts one rollup refresh with its result.
func (m *Metrics) Rollup(result string) {
	if m == nil {
		return
	}
	m.rollups.WithLabelValues(result).Inc()
}

// SetPending sets the number of pending records of a kind.
func (m *Metrics) SetPending(kind string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(kind).Set(float64(n))
}

// SetBackpressure sets the current backpressure level.
func (m *Metrics) SetBackpressure(level int) {
	if m == nil {
		return
	}
	m.backpressure.Set(float64(level))
}

// ObserveAppend records the duration of one partition append.
func (m *Metrics) ObserveAppend(d time.Duration) {
	if m == nil {
		return
	}
	m.appendLatency.Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their duration under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
