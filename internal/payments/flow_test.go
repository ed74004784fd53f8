package payments

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquavend/internal/common/database"
	"aquavend/internal/domain"
	"aquavend/internal/notify"
	"aquavend/internal/providers/stronpower"
	"aquavend/internal/resolver"
	"aquavend/internal/vending"
)

// tenancy backs both the real resolver and the real vending service.
type tenancy struct {
	mu       sync.Mutex
	client   *domain.Client
	meter    *domain.Meter
	customer *domain.Customer
	requests map[string]*domain.VendingRequest
	tokens   map[string]*domain.Token
}

func newTenancy() *tenancy {
	return &tenancy{
		client: &domain.Client{
			ID: "c1", PaybillNumber: "4003047", IsActive: true,
			StronpowerCompanyName: "Acme Water", StronpowerUsername: "prepaid", StronpowerPassword: "secret",
		},
		meter:    &domain.Meter{ID: "m1", ClientID: "c1", MeterID: "58000185726"},
		customer: &domain.Customer{ID: "cu1", ClientID: "c1", CustomerID: "CUST-1", Name: "Jane", Phone: "0712345678"},
		requests: map[string]*domain.VendingRequest{},
		tokens:   map[string]*domain.Token{},
	}
}

func (d *tenancy) GetClientByPaybill(_ context.Context, paybill string) (*domain.Client, error) {
	if paybill != d.client.PaybillNumber {
		return nil, database.ErrNotFound
	}
	return d.client, nil
}

func (d *tenancy) GetMeterForClient(_ context.Context, clientID, meterNumber string) (*domain.Meter, error) {
	if clientID != d.meter.ClientID || meterNumber != d.meter.MeterID {
		return nil, database.ErrNotFound
	}
	return d.meter, nil
}

func (d *tenancy) GetMeterByNumber(_ context.Context, _ string) (*domain.Meter, error) {
	return nil, database.ErrNotFound
}

func (d *tenancy) FindCustomerByPhone(_ context.Context, clientID string, phones []string) (*domain.Customer, error) {
	for _, p := range phones {
		if clientID == d.customer.ClientID && p == d.customer.Phone {
			return d.customer, nil
		}
	}
	return nil, database.ErrNotFound
}

func (d *tenancy) GetActiveAssignee(_ context.Context, _ string) (*domain.Customer, error) {
	return nil, database.ErrNotFound
}

func (d *tenancy) GetVendingRequest(_ context.Context, key string) (*domain.VendingRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vr, ok := d.requests[key]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *vr
	return &c, nil
}

func (d *tenancy) ClaimVendingRequest(_ context.Context, vr *domain.VendingRequest, lease time.Duration) (*domain.VendingRequest, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	cur, ok := d.requests[vr.IdempotencyKey]
	if ok && (cur.Status == domain.VendSuccess || cur.InFlight(now, lease)) {
		c := *cur
		return &c, false, nil
	}
	if !ok {
		cur = &domain.VendingRequest{ID: vr.ID, IdempotencyKey: vr.IdempotencyKey, PaymentID: vr.PaymentID}
		d.requests[vr.IdempotencyKey] = cur
	}
	cur.Status = domain.VendPending
	cur.AttemptCount++
	cur.RequestPayload = vr.RequestPayload
	cur.SentAt = &now
	c := *cur
	return &c, true, nil
}

func (d *tenancy) byID(id string) *domain.VendingRequest {
	for _, vr := range d.requests {
		if vr.ID == id {
			return vr
		}
	}
	return nil
}

func (d *tenancy) RecordVendResponse(_ context.Context, id string, response json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vr := d.byID(id); vr != nil {
		vr.ResponsePayload = response
	}
	return nil
}

func (d *tenancy) CompleteVend(_ context.Context, id string, response json.RawMessage, token *domain.Token) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	vr := d.byID(id)
	if vr == nil || vr.Status == domain.VendSuccess {
		return database.ErrConflict
	}
	t := *token
	d.tokens[t.ID] = &t
	vr.Status = domain.VendSuccess
	vr.TokenID = &t.ID
	vr.ResponsePayload = response
	return nil
}

func (d *tenancy) FailVend(_ context.Context, id, reason string, response json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vr := d.byID(id); vr != nil {
		vr.Status = domain.VendFailed
		vr.ErrorMessage = reason
		vr.ResponsePayload = response
	}
	return nil
}

func (d *tenancy) CreateToken(_ context.Context, token *domain.Token) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := *token
	d.tokens[t.ID] = &t
	return nil
}

func (d *tenancy) GetToken(_ context.Context, _, id string) (*domain.Token, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tokens[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (d *tenancy) MarkTokenDelivered(_ context.Context, id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tokens[id]; ok {
		t.Status = domain.TokenDelivered
		t.DeliveredAt = &at
	}
	return nil
}

func (d *tenancy) GetClient(_ context.Context, _ string) (*domain.Client, error) {
	return d.client, nil
}

func (d *tenancy) GetMeter(_ context.Context, _, _ string) (*domain.Meter, error) {
	return d.meter, nil
}

func (d *tenancy) GetCustomer(_ context.Context, _, _ string) (*domain.Customer, error) {
	return d.customer, nil
}

func (d *tenancy) onlyToken(t *testing.T) *domain.Token {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.tokens, 1)
	for _, tok := range d.tokens {
		return tok
	}
	return nil
}

type stubGateway struct {
	calls  int
	amount decimal.Decimal
	creds  stronpower.Credentials
}

func (g *stubGateway) Vend(_ context.Context, creds stronpower.Credentials, _ string, amount decimal.Decimal, _ bool, _ string) stronpower.VendResult {
	g.calls++
	g.amount, g.creds = amount, creds
	units := decimal.RequireFromString("3.2")
	return stronpower.VendResult{OK: true, TokenValue: "5555-6666-7777-8888", Units: &units, Raw: json.RawMessage(`[{"Token":"5555-6666-7777-8888"}]`)}
}

func (g *stubGateway) ClearCredit(_ context.Context, _ stronpower.Credentials, _, _ string) stronpower.VendResult {
	return stronpower.Failed("not used", nil)
}

func (g *stubGateway) ClearTamper(_ context.Context, _ stronpower.Credentials, _, _ string) stronpower.VendResult {
	return stronpower.Failed("not used", nil)
}

func (g *stubGateway) QueryMeterInfo(_ context.Context, _ stronpower.Credentials, _ string) (json.RawMessage, error) {
	return nil, nil
}

func (g *stubGateway) QueryMeterCredit(_ context.Context, _ stronpower.Credentials, _ string) (json.RawMessage, error) {
	return nil, nil
}

type stubNotifier struct {
	sent []notify.TokenNotice
}

func (n *stubNotifier) TokenIssued(_ context.Context, notice notify.TokenNotice) bool {
	n.sent = append(n.sent, notice)
	return true
}

func (n *stubNotifier) MeterAlert(_ context.Context, _ notify.AlertNotice) bool {
	return true
}

func TestConfirmThroughResolverAndVending(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir, gw, n := newTenancy(), &stubGateway{}, &stubNotifier{}
	st, pub := newMemStore(), &recordingPublisher{}

	vendor := vending.NewService(dir, gw, n, nil, 20*time.Second, logger)
	svc := NewService(st, resolver.New(dir, resolver.Config{}, logger), vendor, pub, logger)

	body := []byte(`{"TransID":"TX001","TransAmount":"250.00","BusinessShortCode":"4003047","BillRefNumber":"58000185726","MSISDN":"254712345678"}`)

	ack := svc.Confirm(context.Background(), body)
	assert.Equal(t, Ack{ResultCode: 0, ResultDesc: "Success"}, ack)

	p := st.only(t)
	assert.Equal(t, domain.PaymentVerified, p.Status)
	require.NotNil(t, p.ClientID)
	assert.Equal(t, "c1", *p.ClientID)
	require.NotNil(t, p.MeterID)
	assert.Equal(t, "m1", *p.MeterID)
	require.NotNil(t, p.CustomerID)
	assert.Equal(t, "cu1", *p.CustomerID)

	tok := dir.onlyToken(t)
	require.NotNil(t, tok.Amount)
	assert.Equal(t, "250.00", tok.Amount.StringFixed(2))
	assert.Equal(t, "5555-6666-7777-8888", tok.TokenValue)
	assert.Equal(t, domain.TokenVending, tok.TokenType)
	assert.Equal(t, domain.TokenDelivered, tok.Status)
	require.NotNil(t, tok.PaymentID)
	assert.Equal(t, p.ID, *tok.PaymentID)

	vr := dir.requests["TX001"]
	require.NotNil(t, vr)
	assert.Equal(t, domain.VendSuccess, vr.Status)
	assert.Equal(t, 1, vr.AttemptCount)
	assert.Equal(t, tok.ID, *vr.TokenID)

	assert.Equal(t, 1, gw.calls)
	assert.True(t, gw.amount.Equal(decimal.RequireFromString("250")))
	assert.Equal(t, "prepaid", gw.creds.Username)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "0712345678", n.sent[0].Phone)

	// a redelivery of the same callback is acknowledged without a second vend
	ack = svc.Confirm(context.Background(), body)
	assert.Equal(t, Ack{ResultCode: 0, ResultDesc: "Already processed"}, ack)
	assert.Equal(t, 1, gw.calls)
	dir.onlyToken(t)
	st.only(t)
}
