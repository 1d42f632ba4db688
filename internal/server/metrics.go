package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "relay").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "relay",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics implements the gateway's metrics sink on Prometheus.
//
// Metrics collected:
//   - relay_connected_clients: Gauge of live WebSocket connections
//   - relay_events_total: Counter of relayed events by event name
//   - relay_uploads_total: Counter of completed file uploads
//   - relay_upload_bytes_total: Counter of uploaded bytes
//   - relay_active_sessions: Gauge of live sessions (set by the sweep loop)
//   - relay_http_requests_total: Counter of HTTP requests by path and status
//   - relay_http_request_duration_seconds: Histogram of HTTP latency by path
type Metrics struct {
	connectedClients prometheus.Gauge
	eventsTotal      *prometheus.CounterVec
	uploadsTotal     prometheus.Counter
	uploadBytes      prometheus.Counter
	activeSessions   prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics registers the relay metrics with the configured registry.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		connectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "connected_clients",
			Help:        "Number of live WebSocket connections",
			ConstLabels: config.ConstLabels,
		}),

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "events_total",
			Help:        "Total number of relayed events by event name",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),

		uploadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "uploads_total",
			Help:        "Total number of completed file uploads",
			ConstLabels: config.ConstLabels,
		}),

		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "upload_bytes_total",
			Help:        "Total bytes received through completed uploads",
			ConstLabels: config.ConstLabels,
		}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "active_sessions",
			Help:        "Number of live sessions",
			ConstLabels: config.ConstLabels,
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "http_requests_total",
			Help:        "Total HTTP requests by route pattern and status",
			ConstLabels: config.ConstLabels,
		}, []string{"path", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request duration in seconds by route pattern",
			ConstLabels: config.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"path"}),
	}
}

// Middleware instruments HTTP requests with the route pattern as the
// path label to keep cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		m.httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(path, strconv.Itoa(sw.status)).Inc()
	})
}

func (m *Metrics) ClientConnected()    { m.connectedClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.connectedClients.Dec() }

func (m *Metrics) EventRelayed(event string) {
	m.eventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) UploadCompleted(bytes int64) {
	m.uploadsTotal.Inc()
	m.uploadBytes.Add(float64(bytes))
}

// SetActiveSessions records the current session count.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}
