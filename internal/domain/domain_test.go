package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentTransitions(t *testing.T) {
	p, err := NewPayment("p1", "TX001", decimal.RequireFromString("250.00"), "4003047", "58000185726", "254712345678", nil)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status)
	assert.False(t, p.IsResolved())

	p.Attach("c1", "m1", "")
	assert.False(t, p.IsResolved())
	p.Attach("c1", "m1", "cu1")
	assert.True(t, p.IsResolved())

	require.NoError(t, p.MarkFailed("vendor timeout"))
	assert.Equal(t, PaymentFailed, p.Status)
	assert.Equal(t, "vendor timeout", p.ErrorMessage)
	require.NotNil(t, p.ProcessedAt)

	require.NoError(t, p.MarkVerified())
	assert.Equal(t, PaymentVerified, p.Status)
	assert.Empty(t, p.ErrorMessage)

	p.Status = PaymentRefunded
	assert.ErrorIs(t, p.MarkVerified(), ErrPaymentRefunded)
	assert.ErrorIs(t, p.MarkFailed("x"), ErrPaymentRefunded)
}

func TestNewPaymentValidation(t *testing.T) {
	_, err := NewPayment("p1", "", decimal.NewFromInt(1), "", "", "", nil)
	assert.Error(t, err)
	_, err = NewPayment("p1", "TX", decimal.Zero, "", "", "", nil)
	assert.Error(t, err)
}

func TestVendingRequestInFlight(t *testing.T) {
	now := time.Now()
	recent := now.Add(-5 * time.Second)
	stale := now.Add(-time.Minute)

	tests := []struct {
		name   string
		vr     VendingRequest
		expect bool
	}{
		{name: "pending recent", vr: VendingRequest{Status: VendPending, SentAt: &recent}, expect: true},
		{name: "pending stale", vr: VendingRequest{Status: VendPending, SentAt: &stale}, expect: false},
		{name: "pending never sent", vr: VendingRequest{Status: VendPending}, expect: false},
		{name: "failed recent", vr: VendingRequest{Status: VendFailed, SentAt: &recent}, expect: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.vr.InFlight(now, 30*time.Second))
		})
	}
}

func TestVendingRequestIssuedToken(t *testing.T) {
	units := "3.5"
	payload, err := json.Marshal(VendResponse{TokenValue: "1234-5678", Units: &units})
	require.NoError(t, err)

	vr := VendingRequest{ResponsePayload: payload}
	value, u, ok := vr.IssuedToken()
	require.True(t, ok)
	assert.Equal(t, "1234-5678", value)
	require.NotNil(t, u)
	assert.True(t, u.Equal(decimal.RequireFromString("3.5")))

	failed, _ := json.Marshal(VendResponse{Error: "timeout"})
	vr = VendingRequest{ResponsePayload: failed}
	_, _, ok = vr.IssuedToken()
	assert.False(t, ok)

	vr = VendingRequest{}
	_, _, ok = vr.IssuedToken()
	assert.False(t, ok)
}

func TestTokenDelivery(t *testing.T) {
	tok, err := NewToken("t1", "1111", TokenVending, "m1")
	require.NoError(t, err)
	assert.Equal(t, TokenCreated, tok.Status)

	at := time.Now()
	assert.True(t, tok.MarkDelivered(at))
	assert.Equal(t, TokenDelivered, tok.Status)
	assert.False(t, tok.MarkDelivered(at.Add(time.Second)))
	assert.Equal(t, at, *tok.DeliveredAt)

	_, err = NewToken("t2", "", TokenVending, "m1")
	assert.Error(t, err)
}
