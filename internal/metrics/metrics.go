// Package metrics exposes Prometheus collectors for the control plane.
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
	brokerRequestsTotal        *prometheus.CounterVec
	brokerRequestDuration      *prometheus.HistogramVec
	brokerInFlight             prometheus.Gauge
	brokerBeaconsTotal         *prometheus.CounterVec
	jobsStartedTotal           *prometheus.CounterVec
	jobsFinishedTotal          *prometheus.CounterVec
	jobsRunning                prometheus.Gauge
	bridgeConnections          prometheus.Gauge
	bridgeSubscribers          prometheus.Gauge
	bridgeEventsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		brokerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_broker_requests_total",
				Help: "Command envelopes handled, labeled by method and result.",
			},
			[]string{"method", "result"},
		)

		brokerRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datasource_broker_request_duration_seconds",
				Help:    "Time from envelope receipt to published response, labeled by method.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method"},
		)

		brokerInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "datasource_broker_in_flight",
				Help: "Command envelopes currently being handled.",
			},
		)

		brokerBeaconsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_broker_beacons_total",
				Help: "Registration beacons published, labeled by result.",
			},
			[]string{"result"},
		)

		jobsStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_jobs_started_total",
				Help: "Worker processes spawned, labeled by connector.",
			},
			[]string{"connector"},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_jobs_finished_total",
				Help: "Worker processes reaped, labeled by connector and final status.",
			},
			[]string{"connector", "status"},
		)

		jobsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "datasource_jobs_running",
				Help: "Worker processes currently running.",
			},
		)

		bridgeConnections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "datasource_bridge_connections",
				Help: "Open ingestion socket connections.",
			},
		)

		bridgeSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "datasource_bridge_subscribers",
				Help: "Current bridge subscribers.",
			},
		)

		bridgeEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datasource_bridge_events_total",
				Help: "Ingested lines, labeled by result.",
			},
			[]string{"result"},
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

// ObserveBrokerRequest records one handled envelope.
func ObserveBrokerRequest(method string, failed bool, duration time.Duration) {
	Init()
	result := "ok"
	if failed {
		result = "error"
	}
	brokerRequestsTotal.WithLabelValues(method, result).Inc()
	brokerRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// IncBrokerInFlight increments the in-flight gauge.
func IncBrokerInFlight() {
	Init()
	brokerInFlight.Inc()
}

// DecBrokerInFlight decrements the in-flight gauge.
func DecBrokerInFlight() {
	Init()
	brokerInFlight.Dec()
}

// ObserveBeacon records a beacon publish attempt.
func ObserveBeacon(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	brokerBeaconsTotal.WithLabelValues(result).Inc()
}

// ObserveJobStarted records a spawned worker.
func ObserveJobStarted(connector string) {
	Init()
	jobsStartedTotal.WithLabelValues(connector).Inc()
	jobsRunning.Inc()
}

// ObserveJobFinished records a reaped worker.
func ObserveJobFinished(connector, status string) {
	Init()
	jobsFinishedTotal.WithLabelValues(connector, status).Inc()
	jobsRunning.Dec()
}

// SetBridgeConnections sets the open connection gauge.
func SetBridgeConnections(n int) {
	Init()
	bridgeConnections.Set(float64(n))
}

// SetBridgeSubscribers sets the subscriber gauge.
func SetBridgeSubscribers(n int) {
	Init()
	bridgeSubscribers.Set(float64(n))
}

// ObserveBridgeEvent records one ingested line by result
// (delivered, malformed, placeholder).
func ObserveBridgeEvent(result string) {
	Init()
	bridgeEventsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
