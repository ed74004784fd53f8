package vending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"aquavend/internal/common/database"
	"aquavend/internal/common/money"
	"aquavend/internal/domain"
	"aquavend/internal/notify"
	"aquavend/internal/providers/stronpower"
)

var (
	// ErrNoCustomerPhone is returned when a token's customer cannot be texted.
	ErrNoCustomerPhone = errors.New("token does not have a customer phone to send SMS to")
	// ErrNotDelivered is returned when every notification channel failed.
	ErrNotDelivered = errors.New("failed to send SMS")
	// ErrUnknownAlert is returned for an alert kind without a template.
	ErrUnknownAlert = errors.New("unknown alert type")
)

// IssueRequest is a manual token request from an operator.
type IssueRequest struct {
	MeterID    string          `json:"meter_id" validate:"required"`
	CustomerID string          `json:"customer_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	VendByUnit bool            `json:"is_vend_by_unit"`
}

// ServiceRequest names the meter and customer for a clear-credit or
// clear-tamper token.
type ServiceRequest struct {
	MeterID    string `json:"meter_id" validate:"required"`
	CustomerID string `json:"customer_id" validate:"required"`
}

// Issued is the result of a manual issuance.
type Issued struct {
	Token    *domain.Token
	Notified bool
}

type target struct {
	client   *domain.Client
	meter    *domain.Meter
	customer *domain.Customer
}

// loadTarget reads the meter within the caller's scope, then its client and
// a customer of that same client. Any miss is database.ErrNotFound.
func (s *Service) loadTarget(ctx context.Context, clientScope, meterID, customerID string) (*target, error) {
	meter, err := s.store.GetMeter(ctx, clientScope, meterID)
	if err != nil {
		return nil, err
	}
	client, err := s.store.GetClient(ctx, meter.ClientID)
	if err != nil {
		return nil, err
	}
	t := &target{client: client, meter: meter}
	if customerID != "" {
		if t.customer, err = s.store.GetCustomer(ctx, meter.ClientID, customerID); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Issue vends a token on behalf of an operator. It does not go through a
// VendingRequest: each call is a new vend.
func (s *Service) Issue(ctx context.Context, clientScope, userID string, req IssueRequest) (*Issued, error) {
	if !req.Amount.IsPositive() {
		return nil, money.ErrNonPositiveAmount
	}
	t, err := s.loadTarget(ctx, clientScope, req.MeterID, req.CustomerID)
	if err != nil {
		return nil, err
	}

	res := s.gateway.Vend(ctx, credentials(t.client), t.meter.MeterID, req.Amount, req.VendByUnit, t.customer.CustomerID)
	if !res.OK {
		s.logger.Warn("manual vend failed", "meter_id", t.meter.MeterID, "user_id", userID, "reason", res.Reason)
		return nil, &VendError{Reason: res.Reason}
	}

	token, err := domain.NewToken(ulid.Make().String(), res.TokenValue, domain.TokenVending, t.meter.ID)
	if err != nil {
		return nil, fmt.Errorf("building token: %w", err)
	}
	amount := req.Amount
	token.Amount = &amount
	token.Units = res.Units
	token.VendByUnit = req.VendByUnit

	return s.issueServiceToken(ctx, t, userID, token)
}

// ClearCredit issues a clear-credit token.
func (s *Service) ClearCredit(ctx context.Context, clientScope, userID string, req ServiceRequest) (*Issued, error) {
	return s.clear(ctx, clientScope, userID, req, domain.TokenClearCredit)
}

// ClearTamper issues a clear-tamper token.
func (s *Service) ClearTamper(ctx context.Context, clientScope, userID string, req ServiceRequest) (*Issued, error) {
	return s.clear(ctx, clientScope, userID, req, domain.TokenClearTamper)
}

func (s *Service) clear(ctx context.Context, clientScope, userID string, req ServiceRequest, tokenType domain.TokenType) (*Issued, error) {
	t, err := s.loadTarget(ctx, clientScope, req.MeterID, req.CustomerID)
	if err != nil {
		return nil, err
	}

	var res stronpower.VendResult
	if tokenType == domain.TokenClearCredit {
		res = s.gateway.ClearCredit(ctx, credentials(t.client), t.meter.MeterID, t.customer.CustomerID)
	} else {
		res = s.gateway.ClearTamper(ctx, credentials(t.client), t.meter.MeterID, t.customer.CustomerID)
	}
	if !res.OK {
		s.logger.Warn("service token request failed", "token_type", tokenType, "meter_id", t.meter.MeterID, "reason", res.Reason)
		return nil, &VendError{Reason: res.Reason}
	}

	token, err := domain.NewToken(ulid.Make().String(), res.TokenValue, tokenType, t.meter.ID)
	if err != nil {
		return nil, fmt.Errorf("building token: %w", err)
	}
	return s.issueServiceToken(ctx, t, userID, token)
}

func (s *Service) issueServiceToken(ctx context.Context, t *target, userID string, token *domain.Token) (*Issued, error) {
	token.CustomerID = &t.customer.ID
	if userID != "" {
		token.IssuedBy = &userID
	}

	if err := s.store.CreateToken(ctx, token); err != nil {
		s.logger.Error("vendor token issued but not stored",
			"token_type", token.TokenType,
			"meter_id", t.meter.MeterID,
			"error", err,
		)
		return nil, fmt.Errorf("storing token: %w", err)
	}

	s.logger.Info("token issued manually",
		"token_id", token.ID,
		"token_type", token.TokenType,
		"meter_id", t.meter.MeterID,
		"issued_by", userID,
	)
	s.publishTokenIssued(ctx, t.client.ID, token)

	notified := s.deliver(ctx, token, t.meter, t.customer)
	return &Issued{Token: token, Notified: notified}, nil
}

// GetToken retrieves a token within the caller's scope.
func (s *Service) GetToken(ctx context.Context, clientScope, id string) (*domain.Token, error) {
	return s.store.GetToken(ctx, clientScope, id)
}

// ResendNotification sends the token message again. The token is returned
// in its updated state together with any delivery error.
func (s *Service) ResendNotification(ctx context.Context, clientScope, tokenID string) (*domain.Token, error) {
	token, err := s.store.GetToken(ctx, clientScope, tokenID)
	if err != nil {
		return nil, err
	}
	if token.CustomerID == nil {
		return token, ErrNoCustomerPhone
	}

	meter, err := s.store.GetMeter(ctx, "", token.MeterID)
	if err != nil {
		return nil, fmt.Errorf("loading meter: %w", err)
	}
	customer, err := s.store.GetCustomer(ctx, "", *token.CustomerID)
	if err != nil {
		if database.IsNotFound(err) {
			return token, ErrNoCustomerPhone
		}
		return nil, fmt.Errorf("loading customer: %w", err)
	}
	if customer.Phone == "" {
		return token, ErrNoCustomerPhone
	}

	if !s.deliver(ctx, token, meter, customer) {
		return token, ErrNotDelivered
	}
	return token, nil
}

// QueryMeterInfo asks the vendor for its record of a meter.
func (s *Service) QueryMeterInfo(ctx context.Context, clientScope, meterID string) (json.RawMessage, error) {
	t, err := s.loadTarget(ctx, clientScope, meterID, "")
	if err != nil {
		return nil, err
	}
	return s.gateway.QueryMeterInfo(ctx, credentials(t.client), t.meter.MeterID)
}

// QueryMeterCredit asks the vendor for a meter's remaining credit.
func (s *Service) QueryMeterCredit(ctx context.Context, clientScope, meterID string) (json.RawMessage, error) {
	t, err := s.loadTarget(ctx, clientScope, meterID, "")
	if err != nil {
		return nil, err
	}
	return s.gateway.QueryMeterCredit(ctx, credentials(t.client), t.meter.MeterID)
}

// AlertRequest names the alert to send for a meter.
type AlertRequest struct {
	Type string `json:"type" validate:"required,oneof=low_balance tamper_alert"`
}

// SendMeterAlert sends the meter's active assignee a low-balance or tamper
// alert by SMS, and by email when the customer has an address.
func (s *Service) SendMeterAlert(ctx context.Context, clientScope, meterID string, req AlertRequest) error {
	if req.Type != notify.SMSLowBalance && req.Type != notify.SMSTamperAlert {
		return ErrUnknownAlert
	}
	t, err := s.loadTarget(ctx, clientScope, meterID, "")
	if err != nil {
		return err
	}
	customer, err := s.store.GetActiveAssignee(ctx, t.meter.ID)
	if err != nil {
		if database.IsNotFound(err) {
			return ErrNoCustomerPhone
		}
		return fmt.Errorf("loading meter assignee: %w", err)
	}
	if customer.Phone == "" {
		return ErrNoCustomerPhone
	}
	if s.notifier == nil {
		return ErrNotDelivered
	}
	ok := s.notifier.MeterAlert(ctx, notify.AlertNotice{
		Kind:         req.Type,
		MeterID:      t.meter.MeterID,
		CustomerName: customer.Name,
		Phone:        customer.Phone,
		Email:        customer.Email,
	})
	if !ok {
		return ErrNotDelivered
	}
	return nil
}
