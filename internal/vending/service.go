// Package vending turns a resolved payment into exactly one vendor token.
// The VendingRequest row keyed by the idempotency key is the only
// serialization point: it is claimed before the vendor is called and
// completed together with the Token in one transaction.
package vending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"aquavend/internal/common/database"
	"aquavend/internal/common/events"
	"aquavend/internal/common/metrics"
	"aquavend/internal/common/money"
	"aquavend/internal/domain"
	"aquavend/internal/notify"
	"aquavend/internal/providers/stronpower"
)

// Store persists vending requests and tokens, and reads the tenancy rows
// needed to call the vendor.
type Store interface {
	// Vending request operations
	GetVendingRequest(ctx context.Context, key string) (*domain.VendingRequest, error)
	ClaimVendingRequest(ctx context.Context, vr *domain.VendingRequest, lease time.Duration) (*domain.VendingRequest, bool, error)
	RecordVendResponse(ctx context.Context, id string, response json.RawMessage) error
	CompleteVend(ctx context.Context, vendingID string, response json.RawMessage, token *domain.Token) error
	FailVend(ctx context.Context, id, reason string, response json.RawMessage) error

	// Token operations
	CreateToken(ctx context.Context, token *domain.Token) error
	GetToken(ctx context.Context, clientScope, id string) (*domain.Token, error)
	MarkTokenDelivered(ctx context.Context, id string, at time.Time) error

	// Tenancy reads
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	GetMeter(ctx context.Context, clientScope, id string) (*domain.Meter, error)
	GetCustomer(ctx context.Context, clientScope, id string) (*domain.Customer, error)
	GetActiveAssignee(ctx context.Context, meterID string) (*domain.Customer, error)
}

// Gateway is the vendor API.
type Gateway interface {
	Vend(ctx context.Context, creds stronpower.Credentials, meterID string, amount decimal.Decimal, vendByUnit bool, customerID string) stronpower.VendResult
	ClearCredit(ctx context.Context, creds stronpower.Credentials, meterID, customerID string) stronpower.VendResult
	ClearTamper(ctx context.Context, creds stronpower.Credentials, meterID, customerID string) stronpower.VendResult
	QueryMeterInfo(ctx context.Context, creds stronpower.Credentials, meterID string) (json.RawMessage, error)
	QueryMeterCredit(ctx context.Context, creds stronpower.Credentials, meterID string) (json.RawMessage, error)
}

// Notifier delivers customer messages. Failures never propagate.
type Notifier interface {
	TokenIssued(ctx context.Context, n notify.TokenNotice) bool
	MeterAlert(ctx context.Context, n notify.AlertNotice) bool
}

// ErrVendInFlight is returned when another attempt for the same key is
// still waiting on the vendor.
var ErrVendInFlight = errors.New("vend already in flight for this idempotency key")

// VendError carries the vendor's failure reason.
type VendError struct {
	Reason string
}

func (e *VendError) Error() string { return e.Reason }

// Service orchestrates vending and token service operations.
type Service struct {
	store     Store
	gateway   Gateway
	notifier  Notifier
	publisher events.Publisher
	lease     time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a vending service. vendorTimeout sizes the in-flight
// lease on a claimed request.
func NewService(store Store, gateway Gateway, notifier Notifier, publisher events.Publisher, vendorTimeout time.Duration, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		store:     store,
		gateway:   gateway,
		notifier:  notifier,
		publisher: publisher,
		lease:     vendorTimeout + 10*time.Second,
		logger:    logger.With("component", "vending"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// VendRequest is one request to turn money into a token on a meter.
type VendRequest struct {
	Client         *domain.Client
	Meter          *domain.Meter
	Customer       *domain.Customer
	Amount         decimal.Decimal
	VendByUnit     bool
	PaymentID      string
	IdempotencyKey string
}

func (r *VendRequest) validate() error {
	switch {
	case r.IdempotencyKey == "":
		return errors.New("idempotency key is required")
	case r.Client == nil || r.Meter == nil || r.Customer == nil:
		return errors.New("client, meter and customer are required")
	case !r.Amount.IsPositive():
		return errors.New("amount must be positive")
	}
	return nil
}

// Outcome is the result of a successful Vend.
type Outcome struct {
	Token *domain.Token
	// Replayed is set when the token already existed for the key and no
	// vendor call was made.
	Replayed bool
	Notified bool
}

// Vend returns the token for req.IdempotencyKey, calling the vendor at most
// once per successful key.
func (s *Service) Vend(ctx context.Context, req VendRequest) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	logger := s.logger.With("idempotency_key", req.IdempotencyKey, "meter_id", req.Meter.MeterID)

	existing, err := s.store.GetVendingRequest(ctx, req.IdempotencyKey)
	if err != nil && !database.IsNotFound(err) {
		return nil, fmt.Errorf("loading vending request: %w", err)
	}
	if existing != nil && existing.IsComplete() {
		return s.replay(ctx, existing)
	}

	snapshot, err := json.Marshal(domain.VendSnapshot{
		MeterID:    req.Meter.MeterID,
		CustomerID: req.Customer.CustomerID,
		Amount:     money.Format(req.Amount),
		VendByUnit: req.VendByUnit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request snapshot: %w", err)
	}

	candidate := &domain.VendingRequest{
		ID:             ulid.Make().String(),
		IdempotencyKey: req.IdempotencyKey,
		RequestPayload: snapshot,
	}
	if req.PaymentID != "" {
		candidate.PaymentID = &req.PaymentID
	}

	vr, claimed, err := s.store.ClaimVendingRequest(ctx, candidate, s.lease)
	if err != nil {
		return nil, fmt.Errorf("claiming vending request: %w", err)
	}
	if !claimed {
		if vr.IsComplete() {
			return s.replay(ctx, vr)
		}
		logger.Warn("vend refused, another attempt is in flight", "attempt_count", vr.AttemptCount)
		metrics.ObserveVend(metrics.OutcomeInFlight)
		return nil, ErrVendInFlight
	}

	// Once claimed, the vendor may issue a token at any moment, so the
	// attempt and its bookkeeping run to the end of the lease even when the
	// caller goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lease)
	defer cancel()

	// An earlier attempt got a token from the vendor but lost the commit.
	if value, units, ok := vr.IssuedToken(); ok {
		logger.Info("materializing token from stored vendor response", "attempt_count", vr.AttemptCount)
		token, err := s.newVendToken(req, value, units)
		if err != nil {
			return nil, err
		}
		return s.complete(ctx, req, vr, token, vr.ResponsePayload, metrics.OutcomeRecovered)
	}

	res := s.gateway.Vend(ctx, credentials(req.Client), req.Meter.MeterID, req.Amount, req.VendByUnit, req.Customer.CustomerID)
	if !res.OK {
		return nil, s.fail(ctx, vr, req, res)
	}

	response, err := json.Marshal(vendResponse(res))
	if err != nil {
		return nil, fmt.Errorf("marshal vendor response: %w", err)
	}
	if err := s.store.RecordVendResponse(ctx, vr.ID, response); err != nil {
		logger.Error("failed to record vendor response ahead of commit", "error", err)
	}

	token, err := s.newVendToken(req, res.TokenValue, res.Units)
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, req, vr, token, response, metrics.OutcomeSuccess)
}

func (s *Service) complete(ctx context.Context, req VendRequest, vr *domain.VendingRequest, token *domain.Token, response json.RawMessage, outcome string) (*Outcome, error) {
	if err := s.store.CompleteVend(ctx, vr.ID, response, token); err != nil {
		// A concurrent recovery may have committed first.
		if errors.Is(err, database.ErrConflict) {
			if current, gerr := s.store.GetVendingRequest(ctx, req.IdempotencyKey); gerr == nil && current.IsComplete() {
				return s.replay(ctx, current)
			}
		}
		metrics.ObserveVend(metrics.OutcomePersistError)
		s.logger.Error("vendor token issued but not committed",
			"idempotency_key", req.IdempotencyKey,
			"vending_request_id", vr.ID,
			"error", err,
		)
		return nil, fmt.Errorf("persisting token: %w", err)
	}
	metrics.ObserveVend(outcome)

	s.logger.Info("token issued",
		"idempotency_key", req.IdempotencyKey,
		"vending_request_id", vr.ID,
		"token_id", token.ID,
		"attempt_count", vr.AttemptCount,
	)

	s.publish(ctx, req.Client.ID, events.EventVendSucceeded, events.AggregateVendingRequest, vr.ID, events.VendData{
		VendingRequestID: vr.ID,
		IdempotencyKey:   vr.IdempotencyKey,
		MeterID:          req.Meter.MeterID,
		AttemptCount:     vr.AttemptCount,
		TokenID:          token.ID,
	})
	s.publishTokenIssued(ctx, req.Client.ID, token)

	notified := s.deliver(ctx, token, req.Meter, req.Customer)
	return &Outcome{Token: token, Notified: notified}, nil
}

func (s *Service) fail(ctx context.Context, vr *domain.VendingRequest, req VendRequest, res stronpower.VendResult) error {
	response, err := json.Marshal(vendResponse(res))
	if err != nil {
		response = nil
	}
	if err := s.store.FailVend(ctx, vr.ID, res.Reason, response); err != nil {
		s.logger.Error("failed to record vend failure", "vending_request_id", vr.ID, "error", err)
	}
	metrics.ObserveVend(metrics.OutcomeFailed)

	s.logger.Warn("vend failed",
		"idempotency_key", req.IdempotencyKey,
		"meter_id", req.Meter.MeterID,
		"attempt_count", vr.AttemptCount,
		"reason", res.Reason,
	)
	s.publish(ctx, req.Client.ID, events.EventVendFailed, events.AggregateVendingRequest, vr.ID, events.VendData{
		VendingRequestID: vr.ID,
		IdempotencyKey:   vr.IdempotencyKey,
		MeterID:          req.Meter.MeterID,
		AttemptCount:     vr.AttemptCount,
		Error:            res.Reason,
	})
	return &VendError{Reason: res.Reason}
}

func (s *Service) replay(ctx context.Context, vr *domain.VendingRequest) (*Outcome, error) {
	token, err := s.store.GetToken(ctx, "", *vr.TokenID)
	if err != nil {
		return nil, fmt.Errorf("loading token %s: %w", *vr.TokenID, err)
	}
	metrics.ObserveVend(metrics.OutcomeReplayed)
	s.logger.Info("returning existing token", "idempotency_key", vr.IdempotencyKey, "token_id", token.ID)
	return &Outcome{Token: token, Replayed: true}, nil
}

func (s *Service) newVendToken(req VendRequest, value string, units *decimal.Decimal) (*domain.Token, error) {
	token, err := domain.NewToken(ulid.Make().String(), value, domain.TokenVending, req.Meter.ID)
	if err != nil {
		return nil, fmt.Errorf("building token: %w", err)
	}
	amount := req.Amount
	token.Amount = &amount
	token.Units = units
	token.VendByUnit = req.VendByUnit
	token.CustomerID = &req.Customer.ID
	if req.PaymentID != "" {
		token.PaymentID = &req.PaymentID
	}
	return token, nil
}

// Notify re-sends the token message for an existing token and advances it
// to delivered on success.
func (s *Service) Notify(ctx context.Context, token *domain.Token, meter *domain.Meter, customer *domain.Customer) bool {
	return s.deliver(ctx, token, meter, customer)
}

func (s *Service) deliver(ctx context.Context, token *domain.Token, meter *domain.Meter, customer *domain.Customer) bool {
	if s.notifier == nil || customer == nil {
		return false
	}

	ok := s.notifier.TokenIssued(ctx, notify.TokenNotice{
		TokenType:    token.TokenType,
		MeterID:      meter.MeterID,
		TokenValue:   token.TokenValue,
		Amount:       token.Amount,
		Units:        token.Units,
		CustomerName: customer.Name,
		Phone:        customer.Phone,
		Email:        customer.Email,
	})
	if !ok {
		return false
	}

	at := s.now()
	if token.MarkDelivered(at) {
		if err := s.store.MarkTokenDelivered(ctx, token.ID, at); err != nil {
			s.logger.Error("failed to mark token delivered", "token_id", token.ID, "error", err)
			return true
		}
		s.publish(ctx, meter.ClientID, events.EventTokenDelivered, events.AggregateToken, token.ID, tokenData(token))
	}
	return true
}

func (s *Service) publishTokenIssued(ctx context.Context, clientID string, token *domain.Token) {
	s.publish(ctx, clientID, events.EventTokenIssued, events.AggregateToken, token.ID, tokenData(token))
}

func (s *Service) publish(ctx context.Context, tenantID, eventType, aggregateType, aggregateID string, data interface{}) {
	event, err := events.NewEvent(eventType, tenantID, aggregateType, aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "aggregate_id", aggregateID, "error", err)
	}
}

func tokenData(t *domain.Token) events.TokenData {
	d := events.TokenData{
		TokenID:   t.ID,
		TokenType: string(t.TokenType),
		MeterID:   t.MeterID,
		Amount:    money.FormatOptional(t.Amount),
	}
	if t.CustomerID != nil {
		d.CustomerID = *t.CustomerID
	}
	if t.PaymentID != nil {
		d.PaymentID = *t.PaymentID
	}
	if t.Units != nil {
		d.Units = t.Units.String()
	}
	if t.IssuedBy != nil {
		d.IssuedBy = *t.IssuedBy
	}
	return d
}

func vendResponse(res stronpower.VendResult) domain.VendResponse {
	r := domain.VendResponse{Raw: res.Raw}
	if res.OK {
		r.TokenValue = res.TokenValue
		if res.Units != nil {
			u := res.Units.String()
			r.Units = &u
		}
	} else {
		r.Error = res.Reason
	}
	return r
}

func credentials(c *domain.Client) stronpower.Credentials {
	return stronpower.Credentials{
		CompanyName: c.StronpowerCompanyName,
		Username:    c.StronpowerUsername,
		Password:    c.StronpowerPassword,
	}
}
