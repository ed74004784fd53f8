// Package payments ingests mobile-money payment callbacks and drives each
// confirmed payment through identity resolution and vending. Callbacks are
// always acknowledged: the payment network only distinguishes a malformed
// payload (ResultCode 1) from everything else (ResultCode 0).
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"aquavend/internal/common/database"
	"aquavend/internal/common/events"
	"aquavend/internal/common/money"
	"aquavend/internal/domain"
	"aquavend/internal/resolver"
	"aquavend/internal/store"
	"aquavend/internal/vending"
)

// Store persists payment notifications.
type Store interface {
	CreatePayment(ctx context.Context, p *domain.Payment) error
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, clientScope, id string) (*domain.Payment, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error)
	ListPayments(ctx context.Context, filter store.PaymentFilter, limit, offset int) ([]*domain.Payment, int64, error)
}

// Resolver maps a payment onto its client, meter and customer.
type Resolver interface {
	Resolve(ctx context.Context, paybill, account, phone string) (*resolver.Resolution, error)
	ValidateTarget(ctx context.Context, paybill, account string) error
}

// Vendor is the vending orchestrator.
type Vendor interface {
	Vend(ctx context.Context, req vending.VendRequest) (*vending.Outcome, error)
	Notify(ctx context.Context, token *domain.Token, meter *domain.Meter, customer *domain.Customer) bool
}

// Ack is the acknowledgment body returned to the payment network.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Result codes
const (
	ResultAccepted = 0
	ResultRejected = 1
)

// Acknowledgment descriptions
const (
	DescSuccess             = "Success"
	DescAccepted            = "Accepted"
	DescReceived            = "Received"
	DescCallbackReceived    = "Callback received"
	DescMissingFields       = "Missing required fields"
	DescAlreadyProcessed    = "Already processed"
	DescInvalidAmount       = "Invalid amount"
	DescClientNotConfigured = "Client not configured"
	DescMeterNotFound       = "Meter not found"
	DescCustomerNotFound    = "Customer not found"
	DescVendingFailed       = "Vending failed"
)

// processTimeout bounds resolution, vending and bookkeeping for one payment
// once it stops following the caller's cancellation.
const processTimeout = time.Minute

func accept(desc string) Ack { return Ack{ResultCode: ResultAccepted, ResultDesc: desc} }
func reject(desc string) Ack { return Ack{ResultCode: ResultRejected, ResultDesc: desc} }

// Service handles payment callbacks and operator payment actions.
type Service struct {
	store     Store
	resolver  Resolver
	vendor    Vendor
	publisher events.Publisher
	logger    *slog.Logger
}

// NewService creates a payment service.
func NewService(store Store, resolver Resolver, vendor Vendor, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		store:     store,
		resolver:  resolver,
		vendor:    vendor,
		publisher: publisher,
		logger:    logger.With("component", "payments"),
	}
}

// Validate answers the pre-validation callback. Nothing is written.
func (s *Service) Validate(ctx context.Context, body []byte) Ack {
	fields, err := ParsePayload(body)
	if err != nil || !fields.Complete() {
		s.logger.Warn("validation callback missing required fields")
		return reject(DescMissingFields)
	}

	err = s.resolver.ValidateTarget(ctx, fields.Paybill, fields.AccountNumber)
	switch {
	case err == nil:
		return accept(DescAccepted)
	case errors.Is(err, resolver.ErrClientNotFound):
		return reject(DescClientNotConfigured)
	case errors.Is(err, resolver.ErrMeterNotFound):
		return reject(DescMeterNotFound)
	default:
		// Our own outage must not make the network refuse the customer.
		s.logger.Error("validation lookup failed", "paybill", fields.Paybill, "error", err)
		return accept(DescAccepted)
	}
}

// Confirm records a confirmed payment and vends its token.
func (s *Service) Confirm(ctx context.Context, body []byte) Ack {
	fields, err := ParsePayload(body)
	if err != nil || !fields.Complete() {
		s.logger.Warn("payment callback missing required fields")
		return reject(DescMissingFields)
	}
	logger := s.logger.With("transaction_id", fields.TransactionID)

	existing, err := s.store.GetPaymentByTransactionID(ctx, fields.TransactionID)
	switch {
	case err == nil:
		logger.Info("payment already processed", "status", existing.Status)
		return accept(DescAlreadyProcessed)
	case !database.IsNotFound(err):
		logger.Error("payment lookup failed, callback not recorded", "error", err, "payload", string(body))
		return accept(DescReceived)
	}

	amount, err := money.Parse(fields.Amount)
	if err != nil {
		logger.Warn("invalid amount in payment callback", "amount", fields.Amount, "error", err)
		return reject(DescInvalidAmount)
	}

	p, err := domain.NewPayment(ulid.Make().String(), fields.TransactionID, amount,
		fields.Paybill, fields.AccountNumber, fields.Phone, body)
	if err != nil {
		logger.Error("building payment", "error", err)
		return reject(DescMissingFields)
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			logger.Info("payment recorded by a concurrent callback")
			return accept(DescAlreadyProcessed)
		}
		logger.Error("failed to record payment", "error", err, "payload", string(body))
		return accept(DescReceived)
	}
	logger.Info("payment received", "payment_id", p.ID, "amount", money.Format(amount), "paybill", p.Paybill)
	s.publish(ctx, "", events.EventPaymentReceived, p)

	// The network hangs up well before a slow vendor answers. The payment
	// row exists now, so its outcome must be recorded regardless.
	pctx, cancel := detach(ctx)
	defer cancel()
	return s.process(pctx, p, logger)
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), processTimeout)
}

// process resolves and vends a recorded payment. Store failures leave it
// pending for reconciliation.
func (s *Service) process(ctx context.Context, p *domain.Payment, logger *slog.Logger) Ack {
	res, err := s.resolver.Resolve(ctx, p.Paybill, p.AccountNumber, p.Phone)
	if err != nil {
		desc, permanent := resolutionDesc(err)
		if !permanent {
			logger.Error("payment resolution failed, left pending", "error", err)
			return accept(DescReceived)
		}
		attach(p, res)
		s.markFailed(ctx, p, err.Error(), logger)
		return accept(desc)
	}
	attach(p, res)

	out, err := s.vendor.Vend(ctx, vending.VendRequest{
		Client:         res.Client,
		Meter:          res.Meter,
		Customer:       res.Customer,
		Amount:         p.Amount,
		PaymentID:      p.ID,
		IdempotencyKey: p.TransactionID,
	})
	if err != nil {
		var vendErr *vending.VendError
		if !errors.As(err, &vendErr) && !errors.Is(err, vending.ErrVendInFlight) {
			logger.Error("vending failed with internal error, left pending", "error", err)
			if err := s.store.UpdatePayment(ctx, p); err != nil {
				logger.Error("failed to attach resolution to payment", "error", err)
			}
			return accept(DescReceived)
		}
		s.markFailed(ctx, p, err.Error(), logger)
		return accept(DescVendingFailed)
	}

	if err := s.markVerified(ctx, p); err != nil {
		logger.Error("token issued but payment not marked verified", "token_id", out.Token.ID, "error", err)
		return accept(DescSuccess)
	}
	logger.Info("payment verified", "payment_id", p.ID, "token_id", out.Token.ID, "notified", out.Notified)
	return accept(DescSuccess)
}

// resolutionDesc maps a resolver error to its acknowledgment text. Only
// misconfiguration is permanent; anything else is a transient lookup error.
func resolutionDesc(err error) (string, bool) {
	switch {
	case errors.Is(err, resolver.ErrClientNotFound):
		return DescClientNotConfigured, true
	case errors.Is(err, resolver.ErrMeterNotFound):
		return DescMeterNotFound, true
	case errors.Is(err, resolver.ErrCustomerNotFound):
		return DescCustomerNotFound, true
	default:
		return DescReceived, false
	}
}

func attach(p *domain.Payment, res *resolver.Resolution) {
	if res == nil {
		return
	}
	var clientID, meterID, customerID string
	if res.Client != nil {
		clientID = res.Client.ID
	}
	if res.Meter != nil {
		meterID = res.Meter.ID
	}
	if res.Customer != nil {
		customerID = res.Customer.ID
	}
	p.Attach(clientID, meterID, customerID)
}

func (s *Service) markFailed(ctx context.Context, p *domain.Payment, reason string, logger *slog.Logger) {
	if err := p.MarkFailed(reason); err != nil {
		logger.Warn("payment not marked failed", "error", err)
		return
	}
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		logger.Error("failed to mark payment failed", "reason", reason, "error", err)
		return
	}
	logger.Warn("payment failed", "payment_id", p.ID, "reason", reason)
	s.publish(ctx, deref(p.ClientID), events.EventPaymentFailed, p)
}

func (s *Service) markVerified(ctx context.Context, p *domain.Payment) error {
	if err := p.MarkVerified(); err != nil {
		return err
	}
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return err
	}
	s.publish(ctx, deref(p.ClientID), events.EventPaymentVerified, p)
	return nil
}

// ResolutionError is returned by Retry when the payment still cannot be
// matched to a client, meter and customer.
type ResolutionError struct {
	Err error
}

func (e *ResolutionError) Error() string { return e.Err.Error() }
func (e *ResolutionError) Unwrap() error { return e.Err }

// RetryResult is the outcome of a payment retry.
type RetryResult struct {
	Token    *domain.Token
	Notified bool
	Replayed bool
}

// Retry runs the payment through resolution and vending again, keyed by its
// transaction id so an already issued token is returned rather than vended
// twice. A replayed token is sent to the customer again.
func (s *Service) Retry(ctx context.Context, clientScope, id string) (*RetryResult, error) {
	p, err := s.store.GetPayment(ctx, clientScope, id)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PaymentRefunded {
		return nil, domain.ErrPaymentRefunded
	}
	logger := s.logger.With("transaction_id", p.TransactionID, "payment_id", p.ID)

	ctx, cancel := detach(ctx)
	defer cancel()

	res, err := s.resolver.Resolve(ctx, p.Paybill, p.AccountNumber, p.Phone)
	if err != nil {
		if _, permanent := resolutionDesc(err); !permanent {
			return nil, fmt.Errorf("resolving payment: %w", err)
		}
		attach(p, res)
		s.markFailed(ctx, p, err.Error(), logger)
		return nil, &ResolutionError{Err: err}
	}
	attach(p, res)

	out, err := s.vendor.Vend(ctx, vending.VendRequest{
		Client:         res.Client,
		Meter:          res.Meter,
		Customer:       res.Customer,
		Amount:         p.Amount,
		PaymentID:      p.ID,
		IdempotencyKey: p.TransactionID,
	})
	if err != nil {
		var vendErr *vending.VendError
		if errors.As(err, &vendErr) {
			s.markFailed(ctx, p, vendErr.Reason, logger)
		}
		return nil, err
	}

	if p.Status != domain.PaymentVerified {
		if err := s.markVerified(ctx, p); err != nil {
			logger.Error("token issued but payment not marked verified", "token_id", out.Token.ID, "error", err)
		}
	}

	notified := out.Notified
	if out.Replayed {
		notified = s.vendor.Notify(ctx, out.Token, res.Meter, res.Customer)
	}
	logger.Info("payment retried", "token_id", out.Token.ID, "replayed", out.Replayed, "notified", notified)
	return &RetryResult{Token: out.Token, Notified: notified, Replayed: out.Replayed}, nil
}

// Get retrieves a payment within the caller's scope.
func (s *Service) Get(ctx context.Context, clientScope, id string) (*domain.Payment, error) {
	return s.store.GetPayment(ctx, clientScope, id)
}

// List lists payments newest first within the caller's scope.
func (s *Service) List(ctx context.Context, clientScope string, status domain.PaymentStatus, limit, offset int) ([]*domain.Payment, int64, error) {
	return s.store.ListPayments(ctx, store.PaymentFilter{ClientID: clientScope, Status: status}, limit, offset)
}

func (s *Service) publish(ctx context.Context, tenantID, eventType string, p *domain.Payment) {
	event, err := events.NewEvent(eventType, tenantID, events.AggregatePayment, p.ID, events.PaymentData{
		PaymentID:     p.ID,
		TransactionID: p.TransactionID,
		Amount:        money.Format(p.Amount),
		Paybill:       p.Paybill,
		AccountNumber: p.AccountNumber,
		Status:        string(p.Status),
		Error:         p.ErrorMessage,
	})
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "payment_id", p.ID, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
