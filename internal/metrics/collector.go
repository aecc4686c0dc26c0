package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every exported metric.
const DefaultNamespace = "dashsync"

// Collector holds the Prometheus metrics for the sync engine on a private registry.
type Collector struct {
	registry *prometheus.Registry

	SaveOutcomes        *prometheus.CounterVec
	SaveDuration        prometheus.Histogram
	BroadcastDeliveries *prometheus.CounterVec
	OpenConnections     prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// NewCollector creates and registers the collectors under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()

	saveOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "section_saves_total",
			Help:      "Section save attempts by outcome",
		},
		[]string{"outcome"},
	)
	saveDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "section_save_duration_seconds",
			Help:      "Section save latency including the compare-and-set",
			Buckets:   prometheus.DefBuckets,
		},
	)
	broadcastDeliveries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Per-subscriber push deliveries by outcome",
		},
		[]string{"outcome"},
	)
	openConnections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Open push channels",
		},
	)
	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	registry.MustRegister(
		saveOutcomes,
		saveDuration,
		broadcastDeliveries,
		openConnections,
		httpRequests,
		httpDuration,
		collectors.NewGoCollector(),
	)

	return &Collector{
		registry:            registry,
		SaveOutcomes:        saveOutcomes,
		SaveDuration:        saveDuration,
		BroadcastDeliveries: broadcastDeliveries,
		OpenConnections:     openConnections,
		HTTPRequests:        httpRequests,
		HTTPDuration:        httpDuration,
	}
}

// ObserveSave records one save attempt.
func (c *Collector) ObserveSave(outcome string, elapsed time.Duration) {
	c.SaveOutcomes.WithLabelValues(outcome).Inc()
	c.SaveDuration.Observe(elapsed.Seconds())
}

// ObserveDelivery records one per-subscriber broadcast delivery.
func (c *Collector) ObserveDelivery(outcome string) {
	c.BroadcastDeliveries.WithLabelValues(outcome).Inc()
}

func (c *Collector) ConnectionOpened() {
	c.OpenConnections.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.OpenConnections.Dec()
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
