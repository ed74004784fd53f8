package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"aquavend/internal/common/api"
	"aquavend/internal/common/database"
	"aquavend/internal/common/metrics"
	"aquavend/internal/common/middleware"
	"aquavend/internal/domain"
	"aquavend/internal/payments"
	"aquavend/internal/vending"
)

const maxCallbackBytes = 1 << 20

// Service is the payment surface the handlers need
type Service interface {
	Validate(ctx context.Context, body []byte) payments.Ack
	Confirm(ctx context.Context, body []byte) payments.Ack
	Retry(ctx context.Context, clientScope, id string) (*payments.RetryResult, error)
	Get(ctx context.Context, clientScope, id string) (*domain.Payment, error)
	List(ctx context.Context, clientScope string, status domain.PaymentStatus, limit, offset int) ([]*domain.Payment, int64, error)
}

// Handler handles payment HTTP requests
type Handler struct {
	service Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger.With("component", "payments_api")}
}

// WebhookRoutes returns the unauthenticated payment network callbacks
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/c2b", h.Confirmation)
	r.Post("/c2b/confirmation", h.Confirmation)
	r.Post("/c2b/validation", h.Validation)
	r.Post("/c2b/callback", h.Callback)

	return r
}

// Routes returns the authenticated payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListPayments)
	r.Get("/{id}", h.GetPayment)
	r.Post("/{id}/retry", h.Retry)

	return r
}

// Validation handles POST /webhooks/c2b/validation
func (h *Handler) Validation(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, "validation", h.service.Validate)
}

// Confirmation handles POST /webhooks/c2b/confirmation
func (h *Handler) Confirmation(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, "confirmation", h.service.Confirm)
}

// Callback handles POST /webhooks/c2b/callback. It only acknowledges.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, "callback", func(ctx context.Context, body []byte) payments.Ack {
		h.logger.Info("payment callback received", "size", len(body))
		return payments.Ack{ResultCode: payments.ResultAccepted, ResultDesc: payments.DescCallbackReceived}
	})
}

// acknowledge always answers 200. A panic in the pipeline is logged and
// acknowledged as received; the payment row, if any, stays pending.
func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request, endpoint string, fn func(context.Context, []byte) payments.Ack) {
	var ack payments.Ack
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("payment callback panicked",
				"endpoint", endpoint,
				"panic", rec,
				"correlation_id", middleware.GetCorrelationID(r.Context()),
			)
			ack = payments.Ack{ResultCode: payments.ResultAccepted, ResultDesc: payments.DescReceived}
		}
		metrics.ObserveAck(endpoint, ack.ResultCode)
		api.WriteJSON(w, http.StatusOK, ack)
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		h.logger.Warn("failed to read callback body", "endpoint", endpoint, "error", err)
		ack = payments.Ack{ResultCode: payments.ResultRejected, ResultDesc: payments.DescMissingFields}
		return
	}
	ack = fn(r.Context(), body)
}

// RetryResponse is returned by the retry endpoint
type RetryResponse struct {
	Message          string        `json:"message"`
	NotificationSent bool          `json:"notification_sent"`
	Token            *domain.Token `json:"token"`
}

// Retry handles POST /payments/{id}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out, err := h.service.Retry(ctx, middleware.ClientScope(ctx), chi.URLParam(r, "id"))
	if err != nil {
		var vendErr *vending.VendError
		var resErr *payments.ResolutionError
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "Payment not found")
		case errors.As(err, &vendErr):
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeVendFailed, vendErr.Reason)
		case errors.Is(err, vending.ErrVendInFlight):
			api.WriteError(w, http.StatusConflict, api.ErrCodeVendInFlight, err.Error())
		case errors.As(err, &resErr):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeResolutionFailed, resErr.Error())
		case errors.Is(err, domain.ErrPaymentRefunded):
			api.WriteError(w, http.StatusConflict, api.ErrCodeConflict, err.Error())
		default:
			h.logger.Error("payment retry failed", "error", err)
			api.InternalError(w, "failed to retry payment")
		}
		return
	}

	api.WriteData(w, http.StatusOK, RetryResponse{
		Message:          "Payment retry successful",
		NotificationSent: out.Notified,
		Token:            out.Token,
	})
}

// GetPayment handles GET /payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.service.Get(ctx, middleware.ClientScope(ctx), chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Payment not found")
			return
		}
		api.InternalError(w, "failed to get payment")
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// ListPayments handles GET /payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := api.GetPaginationParams(r, 50, 200)

	var status domain.PaymentStatus
	switch s := domain.PaymentStatus(r.URL.Query().Get("status")); s {
	case "", domain.PaymentPending, domain.PaymentVerified, domain.PaymentFailed, domain.PaymentRefunded:
		status = s
	default:
		api.BadRequest(w, "unknown payment status")
		return
	}

	list, total, err := h.service.List(ctx, middleware.ClientScope(ctx), status, page.Limit, page.Offset)
	if err != nil {
		h.logger.Error("listing payments failed", "error", err)
		api.InternalError(w, "failed to list payments")
		return
	}

	api.WritePaginated(w, list, &api.Pagination{
		Limit:   page.Limit,
		Offset:  page.Offset,
		Count:   len(list),
		HasMore: int64(page.Offset+len(list)) < total,
	})
}
