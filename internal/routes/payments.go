package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/sango-pay/sango_pay/internal/payments"
)

// RegisterPaymentRoutes wires payment endpoints.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler) {
	r.Post("/payments", h.Submit)
	r.Get("/payments/:id", h.Get)
	r.Post("/payments/:id/refund", h.Refund)
}
