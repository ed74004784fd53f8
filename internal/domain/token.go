package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TokenType represents what a token does on the meter
type TokenType string

const (
	TokenVending     TokenType = "vending"
	TokenClearCredit TokenType = "clear_credit"
	TokenClearTamper TokenType = "clear_tamper"
)

// TokenStatus represents the delivery state of a token
type TokenStatus string

const (
	TokenCreated   TokenStatus = "created"
	TokenDelivered TokenStatus = "delivered"
	TokenRedeemed  TokenStatus = "redeemed"
	TokenExpired   TokenStatus = "expired"
	TokenFailed    TokenStatus = "failed"
)

// Token is a vendor-issued credential. It exists only after a successful
// vendor response and its value never changes.
type Token struct {
	ID          string           `json:"id"`
	TokenValue  string           `json:"token_value"`
	TokenType   TokenType        `json:"token_type"`
	MeterID     string           `json:"meter_id"`
	CustomerID  *string          `json:"customer_id,omitempty"`
	PaymentID   *string          `json:"payment_id,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Units       *decimal.Decimal `json:"units,omitempty"`
	VendByUnit  bool             `json:"is_vend_by_unit"`
	Status      TokenStatus      `json:"status"`
	IssuedBy    *string          `json:"issued_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	DeliveredAt *time.Time       `json:"delivered_at,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// NewToken creates a token in the created state.
func NewToken(id, value string, tokenType TokenType, meterID string) (*Token, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if value == "" {
		return nil, errors.New("token_value is required")
	}
	if meterID == "" {
		return nil, errors.New("meter_id is required")
	}
	return &Token{
		ID:         id,
		TokenValue: value,
		TokenType:  tokenType,
		MeterID:    meterID,
		Status:     TokenCreated,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// MarkDelivered advances a created token after a notification went out.
// It reports whether the status changed.
func (t *Token) MarkDelivered(at time.Time) bool {
	if t.Status != TokenCreated {
		return false
	}
	t.Status = TokenDelivered
	t.DeliveredAt = &at
	return true
}
