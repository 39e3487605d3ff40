package payments

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/sango-pay/sango_pay/internal/gateway"
	"github.com/sango-pay/sango_pay/internal/idempotency"
	"github.com/sango-pay/sango_pay/internal/ledger"
)

// Handler exposes payment endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type submitRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	FromWalletID   string `json:"from_wallet_id"`
	ToWalletID     string `json:"to_wallet_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Kind           string `json:"kind"`
	Description    string `json:"description"`
}

type paymentResponse struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	FromWalletID string `json:"from_wallet_id"`
	ToWalletID   string `json:"to_wallet_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Kind         string `json:"kind"`
	Description  string `json:"description,omitempty"`
	RefundOf     string `json:"refund_of,omitempty"`
	CreatedAt    string `json:"created_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

func toResponse(p ledger.Payment) paymentResponse {
	resp := paymentResponse{
		ID:           p.ID,
		State:        string(p.State),
		FromWalletID: p.FromWalletID,
		ToWalletID:   p.ToWalletID,
		Amount:       p.Amount.String(),
		Currency:     p.Currency,
		Kind:         string(p.Kind),
		Description:  p.Description,
		RefundOf:     p.RefundOf,
		CreatedAt:    p.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if p.CompletedAt != nil {
		resp.CompletedAt = p.CompletedAt.Format("2006-01-02T15:04:05.000Z07:00")
	}
	return resp
}

// Submit processes a transfer request. The idempotency key can arrive in the
// Idempotency-Key header or the body; the header wins.
func (h *Handler) Submit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}
	key := c.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	payment, err := h.service.Submit(c.UserContext(), SubmitInput{
		IdempotencyKey: key,
		FromWalletID:   req.FromWalletID,
		ToWalletID:     req.ToWalletID,
		Amount:         amount,
		Currency:       req.Currency,
		Kind:           ledger.Kind(req.Kind),
		Description:    req.Description,
		AuthToken:      bearerToken(c),
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(payment))
}

// Get returns a payment and its audit trail.
func (h *Handler) Get(c *fiber.Ctx) error {
	payment, entries, err := h.service.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}

	log := make([]fiber.Map, 0, len(entries))
	for _, entry := range entries {
		log = append(log, fiber.Map{
			"state":     string(entry.State),
			"message":   entry.Message,
			"timestamp": entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return c.JSON(fiber.Map{
		"payment": toResponse(payment),
		"log":     log,
	})
}

// Refund reverses a completed payment with a new linked payment.
func (h *Handler) Refund(c *fiber.Ctx) error {
	refund, err := h.service.Refund(c.UserContext(), RefundInput{
		PaymentID: c.Params("id"),
		AuthToken: bearerToken(c),
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(refund))
}

func bearerToken(c *fiber.Ctx) string {
	auth := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return auth
}

func mapError(err error) error {
	if reason, ok := RejectionReason(err); ok {
		return fiber.NewError(rejectionStatus(reason), err.Error())
	}
	switch {
	case gateway.IsUnavailable(err):
		return fiber.NewError(http.StatusServiceUnavailable,
			string(gateway.UnavailableDependency(err))+" temporarily unavailable")
	case errors.Is(err, idempotency.ErrRequestMismatch):
		return fiber.NewError(http.StatusUnprocessableEntity, "idempotency key reused with a different request")
	case errors.Is(err, ledger.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "payment not found")
	case errors.Is(err, ErrRequestInFlight):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

func rejectionStatus(reason RejectReason) int {
	switch reason {
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	case ReasonComplianceRequired:
		return http.StatusForbidden
	case ReasonWalletNotFound:
		return http.StatusNotFound
	case ReasonInsufficientFunds, ReasonWalletNotActive, ReasonCurrencyMismatch, ReasonNotRefundable:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
