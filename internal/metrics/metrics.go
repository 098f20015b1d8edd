// Package metrics exposes Prometheus collectors for the tracker service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncRunsTotal              *prometheus.CounterVec
	syncDurationSeconds        prometheus.Histogram
	upsertsTotal               *prometheus.CounterVec
	collectorPagesTotal        prometheus.Counter
	collectorRecordsTotal      *prometheus.CounterVec
	collectorRetriesTotal      prometheus.Counter
	storedDistricts            prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		syncRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mgnrega_sync_runs_total",
				Help: "Total number of sync runs, labeled by source.",
			},
			[]string{"source"},
		)

		syncDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mgnrega_sync_duration_seconds",
				Help:    "Histogram of end-to-end sync durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		upsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mgnrega_upserts_total",
				Help: "Total number of district upserts, labeled by result.",
			},
			[]string{"result"},
		)

		collectorPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mgnrega_collector_pages_total",
				Help: "Total number of upstream pages fetched.",
			},
		)

		collectorRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mgnrega_collector_records_total",
				Help: "Total number of upstream records, labeled by seen or matched.",
			},
			[]string{"kind"},
		)

		collectorRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mgnrega_collector_retries_total",
				Help: "Total number of upstream page retries.",
			},
		)

		storedDistricts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mgnrega_stored_districts",
				Help: "Number of districts written by the last sync.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSync records one finished sync run.
func ObserveSync(source string, upserted, failed int, duration time.Duration) {
	Init()
	syncRunsTotal.WithLabelValues(source).Inc()
	syncDurationSeconds.Observe(duration.Seconds())
	if upserted > 0 {
		upsertsTotal.WithLabelValues("ok").Add(float64(upserted))
		storedDistricts.Set(float64(upserted))
	}
	if failed > 0 {
		upsertsTotal.WithLabelValues("error").Add(float64(failed))
	}
}

// ObserveCollectorPage records one fetched page.
func ObserveCollectorPage(seen, matched int) {
	Init()
	collectorPagesTotal.Inc()
	collectorRecordsTotal.WithLabelValues("seen").Add(float64(seen))
	collectorRecordsTotal.WithLabelValues("matched").Add(float64(matched))
}

// ObserveCollectorRetry increments the page retry counter.
func ObserveCollectorRetry() {
	Init()
	collectorRetriesTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
