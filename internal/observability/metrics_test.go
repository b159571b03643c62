package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDeliveryCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncEventReceived("SUCCESS")
	metrics.IncDeliverySent("WEBHOOK")
	metrics.IncDeliveryFailed("webhook", "permanent_error")
	metrics.ObserveDeliveryDuration("webhook", 120*time.Millisecond)
	metrics.IncDeliveryInFlight("webhook")
	metrics.DecDeliveryInFlight("webhook")
	metrics.IncRetryScheduled("webhook")
	metrics.IncReconnect()

	if got := testutil.ToFloat64(metrics.eventsReceivedTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("events_received_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesSentTotal.WithLabelValues("webhook")); got != 1 {
		t.Fatalf("deliveries_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesFailedTotal.WithLabelValues("webhook", "permanent_error")); got != 1 {
		t.Fatalf("deliveries_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retriesScheduledTotal.WithLabelValues("webhook")); got != 1 {
		t.Fatalf("retries_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesInFlight.WithLabelValues("webhook")); got != 0 {
		t.Fatalf("deliveries_in_flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.reconnectsTotal); got != 1 {
		t.Fatalf("event_source_reconnects_total = %v, want 1", got)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncEventReceived("success")
	metrics.IncDeliverySent("webhook")
	metrics.IncDeliveryFailed("webhook", "x")
	metrics.ObserveDeliveryDuration("webhook", time.Second)
	metrics.IncDeliveryInFlight("webhook")
	metrics.DecDeliveryInFlight("webhook")
	metrics.IncRetryScheduled("webhook")
	metrics.IncReconnect()
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
