package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/sango-pay/sango_pay/internal/breaker"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints. The payload
// includes per-dependency circuit state so an operator can see which remote
// service is tripping payments into fail-fast mode.
func RegisterHealthRoutes(app *fiber.App, d Deps, breakers *breaker.Registry) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		dbStatus := "ok"
		redisStatus := "ok"

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if d.DB != nil {
			if err := d.DB.Ping(ctx); err != nil {
				dbStatus = err.Error()
			}
		}
		if d.Cache != nil {
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				redisStatus = err.Error()
			}
		}

		circuits := make([]fiber.Map, 0)
		degraded := false
		for _, h := range breakers.Snapshot() {
			if h.State != breaker.StateClosed {
				degraded = true
			}
			entry := fiber.Map{
				"dependency":           h.Dependency,
				"state":                string(h.State),
				"consecutive_failures": h.ConsecutiveFailures,
			}
			if h.OpenedAt != nil {
				entry["opened_at"] = h.OpenedAt.UTC().Format(time.RFC3339Nano)
			}
			circuits = append(circuits, entry)
		}

		status := http.StatusOK
		if dbStatus != "ok" || redisStatus != "ok" {
			status = http.StatusServiceUnavailable
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "unavailable"
		} else if degraded {
			overall = "degraded"
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    overall,
			"backends":  fiber.Map{"postgres": dbStatus, "redis": redisStatus},
			"circuits":  circuits,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
