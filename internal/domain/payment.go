package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents the status of a payment notification
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentVerified PaymentStatus = "verified"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// ErrPaymentRefunded is returned when a refunded payment is asked to
// change state.
var ErrPaymentRefunded = errors.New("payment has been refunded")

// Payment is one inbound mobile-money payment notification. TransactionID
// is globally unique; a redelivery never creates a second row.
type Payment struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Paybill       string          `json:"paybill"`
	AccountNumber string          `json:"account_number"`
	Phone         string          `json:"phone"`
	ClientID      *string         `json:"client_id,omitempty"`
	MeterID       *string         `json:"meter_id,omitempty"`
	CustomerID    *string         `json:"customer_id,omitempty"`
	Status        PaymentStatus   `json:"status"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// NewPayment creates a pending payment.
func NewPayment(id, transactionID string, amount decimal.Decimal, paybill, account, phone string, raw json.RawMessage) (*Payment, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if transactionID == "" {
		return nil, errors.New("transaction_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	return &Payment{
		ID:            id,
		TransactionID: transactionID,
		Amount:        amount,
		Paybill:       paybill,
		AccountNumber: account,
		Phone:         phone,
		Status:        PaymentPending,
		RawPayload:    raw,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// Attach records the resolved tenancy references.
func (p *Payment) Attach(clientID, meterID, customerID string) {
	p.ClientID = optional(clientID)
	p.MeterID = optional(meterID)
	p.CustomerID = optional(customerID)
}

// MarkVerified records a successful vend for the payment.
func (p *Payment) MarkVerified() error {
	if p.Status == PaymentRefunded {
		return ErrPaymentRefunded
	}
	now := time.Now().UTC()
	p.Status = PaymentVerified
	p.ErrorMessage = ""
	p.ProcessedAt = &now
	return nil
}

// MarkFailed records a resolution or vending failure.
func (p *Payment) MarkFailed(reason string) error {
	if p.Status == PaymentRefunded {
		return ErrPaymentRefunded
	}
	now := time.Now().UTC()
	p.Status = PaymentFailed
	p.ErrorMessage = reason
	p.ProcessedAt = &now
	return nil
}

// IsResolved reports whether the client, meter and customer are attached.
func (p *Payment) IsResolved() bool {
	return p.ClientID != nil && p.MeterID != nil && p.CustomerID != nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
