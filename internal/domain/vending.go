package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// VendStatus represents the status of a vending request
type VendStatus string

const (
	VendPending  VendStatus = "pending"
	VendSuccess  VendStatus = "success"
	VendFailed   VendStatus = "failed"
	VendRetrying VendStatus = "retrying"
)

// VendingRequest is the logical attempt to obtain one token for an
// idempotency key. It reaches success at most once and is immutable after.
type VendingRequest struct {
	ID              string          `json:"id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	PaymentID       *string         `json:"payment_id,omitempty"`
	TokenID         *string         `json:"token_id,omitempty"`
	Status          VendStatus      `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
	ReceivedAt      *time.Time      `json:"received_at,omitempty"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsComplete reports whether the request succeeded and has its token linked.
func (v *VendingRequest) IsComplete() bool {
	return v.Status == VendSuccess && v.TokenID != nil
}

// InFlight reports whether another caller is still waiting on the vendor for
// this request, judged by how recently the attempt was stamped.
func (v *VendingRequest) InFlight(now time.Time, lease time.Duration) bool {
	return v.Status == VendPending && v.SentAt != nil && now.Sub(*v.SentAt) < lease
}

// VendSnapshot is the request snapshot stored on every attempt.
type VendSnapshot struct {
	MeterID    string `json:"meter_id"`
	CustomerID string `json:"customer_id"`
	Amount     string `json:"amount"`
	VendByUnit bool   `json:"is_vend_by_unit"`
}

// VendResponse is the response snapshot. A non-empty TokenValue means the
// vendor issued a token for this request, whether or not the Token row was
// committed afterwards.
type VendResponse struct {
	TokenValue string          `json:"token_value,omitempty"`
	Units      *string         `json:"units,omitempty"`
	Error      string          `json:"error,omitempty"`
	Raw        json.RawMessage `json:"raw_payload,omitempty"`
}

// IssuedToken decodes a response snapshot and returns the vendor token it
// holds, if any.
func (v *VendingRequest) IssuedToken() (value string, units *decimal.Decimal, ok bool) {
	if len(v.ResponsePayload) == 0 {
		return "", nil, false
	}
	var resp VendResponse
	if err := json.Unmarshal(v.ResponsePayload, &resp); err != nil || resp.TokenValue == "" {
		return "", nil, false
	}
	if resp.Units != nil {
		if d, err := decimal.NewFromString(*resp.Units); err == nil {
			units = &d
		}
	}
	return resp.TokenValue, units, true
}
