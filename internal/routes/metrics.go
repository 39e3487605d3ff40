package routes

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterMetricsRoute exposes the Prometheus scrape endpoint.
func RegisterMetricsRoute(app *fiber.App, reg *prometheus.Registry) {
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	app.Get("/metrics", adaptor.HTTPHandler(handler))
}
