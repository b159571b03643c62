package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors shared by the admin API and the
// dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	eventsReceivedTotal   *prometheus.CounterVec
	reconnectsTotal       prometheus.Counter
	deliveriesSentTotal   *prometheus.CounterVec
	deliveriesFailedTotal *prometheus.CounterVec
	deliveryDuration      *prometheus.HistogramVec
	deliveriesInFlight    *prometheus.GaugeVec
	retriesScheduledTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildrelay",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "buildrelay",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		eventsReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildrelay",
				Name:      "events_received_total",
				Help:      "Total number of build events consumed, grouped by status.",
			},
			[]string{"status"},
		),
		reconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "buildrelay",
				Name:      "event_source_reconnects_total",
				Help:      "Total number of event source reconnect attempts.",
			},
		),
		deliveriesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildrelay",
				Name:      "deliveries_sent_total",
				Help:      "Total number of notifications delivered successfully.",
			},
			[]string{"channel"},
		),
		deliveriesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildrelay",
				Name:      "deliveries_failed_total",
				Help:      "Total number of deliveries that ended in failed state.",
			},
			[]string{"channel", "reason"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "buildrelay",
				Name:      "delivery_duration_seconds",
				Help:      "Channel send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		deliveriesInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "buildrelay",
				Name:      "deliveries_in_flight",
				Help:      "Current number of in-flight delivery tasks grouped by channel.",
			},
			[]string{"channel"},
		),
		retriesScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buildrelay",
				Name:      "retries_scheduled_total",
				Help:      "Total number of deliveries scheduled for retry.",
			},
			[]string{"channel"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.eventsReceivedTotal,
		m.reconnectsTotal,
		m.deliveriesSentTotal,
		m.deliveriesFailedTotal,
		m.deliveryDuration,
		m.deliveriesInFlight,
		m.retriesScheduledTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncEventReceived(status string) {
	if m == nil {
		return
	}
	statusLabel := strings.ToLower(strings.TrimSpace(status))
	if statusLabel == "" {
		statusLabel = "unknown"
	}
	m.eventsReceivedTotal.WithLabelValues(statusLabel).Inc()
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) IncDeliverySent(channel string) {
	if m == nil {
		return
	}
	m.deliveriesSentTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncDeliveryFailed(channel string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.deliveriesFailedTotal.WithLabelValues(normalizeChannel(channel), reasonLabel).Inc()
}

func (m *Metrics) ObserveDeliveryDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryDuration.WithLabelValues(normalizeChannel(channel)).Observe(seconds)
}

func (m *Metrics) IncDeliveryInFlight(channel string) {
	if m == nil {
		return
	}
	m.deliveriesInFlight.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) DecDeliveryInFlight(channel string) {
	if m == nil {
		return
	}
	m.deliveriesInFlight.WithLabelValues(normalizeChannel(channel)).Dec()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retriesScheduledTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeChannel(channel string) string {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
