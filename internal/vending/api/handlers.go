package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"aquavend/internal/common/api"
	"aquavend/internal/common/database"
	"aquavend/internal/common/middleware"
	"aquavend/internal/common/money"
	"aquavend/internal/domain"
	"aquavend/internal/vending"
)

// Service is the vending surface the handlers need
type Service interface {
	Issue(ctx context.Context, clientScope, userID string, req vending.IssueRequest) (*vending.Issued, error)
	ClearCredit(ctx context.Context, clientScope, userID string, req vending.ServiceRequest) (*vending.Issued, error)
	ClearTamper(ctx context.Context, clientScope, userID string, req vending.ServiceRequest) (*vending.Issued, error)
	GetToken(ctx context.Context, clientScope, id string) (*domain.Token, error)
	ResendNotification(ctx context.Context, clientScope, tokenID string) (*domain.Token, error)
	QueryMeterInfo(ctx context.Context, clientScope, meterID string) (json.RawMessage, error)
	QueryMeterCredit(ctx context.Context, clientScope, meterID string) (json.RawMessage, error)
	SendMeterAlert(ctx context.Context, clientScope, meterID string, req vending.AlertRequest) error
}

// Handler handles token and meter HTTP requests
type Handler struct {
	service Service
}

// NewHandler creates a new vending handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// TokenRoutes returns the token routes
func (h *Handler) TokenRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/issue", h.Issue)
	r.Post("/clear-credit", h.ClearCredit)
	r.Post("/clear-tamper", h.ClearTamper)
	r.Get("/{id}", h.GetToken)
	r.Post("/{id}/resend", h.Resend)

	return r
}

// MeterRoutes returns the vendor query routes for meters
func (h *Handler) MeterRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{meterID}/info", h.MeterInfo)
	r.Get("/{meterID}/credit", h.MeterCredit)
	r.Post("/{meterID}/alerts", h.MeterAlert)

	return r
}

// IssuedResponse is returned for every newly issued token
type IssuedResponse struct {
	Token            *domain.Token `json:"token"`
	NotificationSent bool          `json:"notification_sent"`
}

// ResendResponse is returned by the resend endpoint
type ResendResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Token   *domain.Token `json:"token,omitempty"`
}

// Issue handles POST /tokens/issue
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	var req vending.IssueRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	ctx := r.Context()
	out, err := h.service.Issue(ctx, middleware.ClientScope(ctx), middleware.GetUserID(ctx), req)
	if err != nil {
		writeServiceError(w, err, "Meter or Customer not found")
		return
	}
	api.WriteData(w, http.StatusCreated, IssuedResponse{Token: out.Token, NotificationSent: out.Notified})
}

// ClearCredit handles POST /tokens/clear-credit
func (h *Handler) ClearCredit(w http.ResponseWriter, r *http.Request) {
	h.clear(w, r, h.service.ClearCredit)
}

// ClearTamper handles POST /tokens/clear-tamper
func (h *Handler) ClearTamper(w http.ResponseWriter, r *http.Request) {
	h.clear(w, r, h.service.ClearTamper)
}

type clearFunc func(ctx context.Context, clientScope, userID string, req vending.ServiceRequest) (*vending.Issued, error)

func (h *Handler) clear(w http.ResponseWriter, r *http.Request, fn clearFunc) {
	var req vending.ServiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	ctx := r.Context()
	out, err := fn(ctx, middleware.ClientScope(ctx), middleware.GetUserID(ctx), req)
	if err != nil {
		writeServiceError(w, err, "Meter or Customer not found")
		return
	}
	api.WriteData(w, http.StatusCreated, IssuedResponse{Token: out.Token, NotificationSent: out.Notified})
}

// GetToken handles GET /tokens/{id}
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, err := h.service.GetToken(ctx, middleware.ClientScope(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "Token not found")
		return
	}
	api.WriteData(w, http.StatusOK, token)
}

// Resend handles POST /tokens/{id}/resend
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, err := h.service.ResendNotification(ctx, middleware.ClientScope(ctx), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		api.WriteData(w, http.StatusOK, ResendResponse{Success: true, Message: "SMS resent successfully", Token: token})
	case errors.Is(err, vending.ErrNotDelivered):
		api.WriteData(w, http.StatusInternalServerError, ResendResponse{Message: "Failed to send SMS", Token: token})
	case errors.Is(err, vending.ErrNoCustomerPhone):
		api.BadRequest(w, err.Error())
	default:
		writeServiceError(w, err, "Token not found")
	}
}

// MeterInfo handles GET /meters/{meterID}/info
func (h *Handler) MeterInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := h.service.QueryMeterInfo(ctx, middleware.ClientScope(ctx), chi.URLParam(r, "meterID"))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, doc)
}

// MeterCredit handles GET /meters/{meterID}/credit
func (h *Handler) MeterCredit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := h.service.QueryMeterCredit(ctx, middleware.ClientScope(ctx), chi.URLParam(r, "meterID"))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, doc)
}

// MeterAlert handles POST /meters/{meterID}/alerts
func (h *Handler) MeterAlert(w http.ResponseWriter, r *http.Request) {
	var req vending.AlertRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	ctx := r.Context()
	err := h.service.SendMeterAlert(ctx, middleware.ClientScope(ctx), chi.URLParam(r, "meterID"), req)
	switch {
	case err == nil:
		api.WriteData(w, http.StatusOK, map[string]string{"message": "Alert sent"})
	case errors.Is(err, vending.ErrNoCustomerPhone):
		api.BadRequest(w, "Meter has no assigned customer phone")
	case errors.Is(err, vending.ErrNotDelivered):
		api.InternalError(w, err.Error())
	default:
		writeServiceError(w, err, "Meter not found")
	}
}

func writeServiceError(w http.ResponseWriter, err error, notFound string) {
	var vendErr *vending.VendError
	switch {
	case database.IsNotFound(err):
		api.NotFound(w, notFound)
	case errors.As(err, &vendErr):
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeVendFailed, vendErr.Reason)
	case errors.Is(err, money.ErrNonPositiveAmount):
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "Validation failed",
			map[string]string{"amount": "Must be greater than 0"})
	case errors.Is(err, vending.ErrUnknownAlert):
		api.BadRequest(w, err.Error())
	default:
		api.InternalError(w, "internal error")
	}
}

func writeQueryError(w http.ResponseWriter, err error) {
	if database.IsNotFound(err) {
		api.NotFound(w, "Meter not found")
		return
	}
	api.WriteError(w, http.StatusBadGateway, api.ErrCodeVendorError, err.Error())
}
