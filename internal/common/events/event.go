package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, tenantID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *Event) error { return nil }

// Aggregate types
const (
	AggregatePayment        = "payment"
	AggregateVendingRequest = "vending_request"
	AggregateToken          = "token"
)

// Event types
const (
	EventPaymentReceived = "payment.received"
	EventPaymentVerified = "payment.verified"
	EventPaymentFailed   = "payment.failed"

	EventVendSucceeded = "vending.succeeded"
	EventVendFailed    = "vending.failed"

	EventTokenIssued    = "token.issued"
	EventTokenDelivered = "token.delivered"
)

// PaymentData is the data for payment.* events
type PaymentData struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Paybill       string `json:"paybill"`
	AccountNumber string `json:"account_number"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// VendData is the data for vending.* events
type VendData struct {
	VendingRequestID string `json:"vending_request_id"`
	IdempotencyKey   string `json:"idempotency_key"`
	MeterID          string `json:"meter_id"`
	AttemptCount     int    `json:"attempt_count"`
	TokenID          string `json:"token_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// TokenData is the data for token.* events
type TokenData struct {
	TokenID    string `json:"token_id"`
	TokenType  string `json:"token_type"`
	MeterID    string `json:"meter_id"`
	CustomerID string `json:"customer_id,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Units      string `json:"units,omitempty"`
	IssuedBy   string `json:"issued_by,omitempty"`
}
