package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquavend/internal/common/database"
	"aquavend/internal/common/middleware"
	"aquavend/internal/common/money"
	"aquavend/internal/domain"
	"aquavend/internal/providers/stronpower"
	"aquavend/internal/vending"
)

type fakeService struct {
	scope, user string
	issueReq    vending.IssueRequest
	err         error
	token       *domain.Token
}

func (f *fakeService) Issue(_ context.Context, scope, user string, req vending.IssueRequest) (*vending.Issued, error) {
	f.scope, f.user, f.issueReq = scope, user, req
	if f.err != nil {
		return nil, f.err
	}
	if !req.Amount.IsPositive() {
		return nil, money.ErrNonPositiveAmount
	}
	return &vending.Issued{Token: f.token, Notified: true}, nil
}

func (f *fakeService) ClearCredit(_ context.Context, scope, user string, _ vending.ServiceRequest) (*vending.Issued, error) {
	f.scope, f.user = scope, user
	if f.err != nil {
		return nil, f.err
	}
	return &vending.Issued{Token: f.token}, nil
}

func (f *fakeService) ClearTamper(ctx context.Context, scope, user string, req vending.ServiceRequest) (*vending.Issued, error) {
	return f.ClearCredit(ctx, scope, user, req)
}

func (f *fakeService) GetToken(_ context.Context, scope, _ string) (*domain.Token, error) {
	f.scope = scope
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func (f *fakeService) ResendNotification(_ context.Context, scope, _ string) (*domain.Token, error) {
	f.scope = scope
	return f.token, f.err
}

func (f *fakeService) QueryMeterInfo(_ context.Context, scope, _ string) (json.RawMessage, error) {
	f.scope = scope
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"Meter_id":"58000185726"}`), nil
}

func (f *fakeService) QueryMeterCredit(ctx context.Context, scope, id string) (json.RawMessage, error) {
	return f.QueryMeterInfo(ctx, scope, id)
}

func (f *fakeService) SendMeterAlert(_ context.Context, scope, _ string, _ vending.AlertRequest) error {
	f.scope = scope
	return f.err
}

func newRouter(svc Service, tenant, user string) http.Handler {
	h := NewHandler(svc)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithPrincipal(r.Context(), tenant, user)))
		})
	})
	r.Mount("/tokens", h.TokenRoutes())
	r.Mount("/meters", h.MeterRoutes())
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func testToken() *domain.Token {
	tok, _ := domain.NewToken("t1", "1234-5678", domain.TokenVending, "m1")
	return tok
}

func TestIssueHandler(t *testing.T) {
	svc := &fakeService{token: testToken()}
	h := newRouter(svc, "c1", "alice")

	rec, body := do(t, h, http.MethodPost, "/tokens/issue", `{"meter_id":"m1","customer_id":"cu1","amount":"150.50"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "c1", svc.scope)
	assert.Equal(t, "alice", svc.user)
	assert.True(t, svc.issueReq.Amount.Equal(decimal.RequireFromString("150.50")))
	data := body["data"].(map[string]interface{})
	assert.Equal(t, true, data["notification_sent"])
	assert.Equal(t, "1234-5678", data["token"].(map[string]interface{})["token_value"])
}

func TestIssueHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "malformed", body: `{`, status: http.StatusBadRequest, code: "BAD_REQUEST"},
		{name: "missing meter", body: `{"customer_id":"cu1","amount":10}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "zero amount", body: `{"meter_id":"m1","customer_id":"cu1","amount":0}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "not found", body: `{"meter_id":"m9","customer_id":"cu1","amount":10}`, err: database.ErrNotFound, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "vendor failure", body: `{"meter_id":"m1","customer_id":"cu1","amount":10}`, err: &vending.VendError{Reason: stronpower.ErrTimeout.Error()}, status: http.StatusBadGateway, code: "VEND_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRouter(&fakeService{err: tt.err, token: testToken()}, "c1", "alice")
			rec, body := do(t, h, http.MethodPost, "/tokens/issue", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, body["error"].(map[string]interface{})["code"])
		})
	}
}

func TestOperatorScope(t *testing.T) {
	svc := &fakeService{token: testToken()}
	h := newRouter(svc, middleware.AllTenants, "ops")

	rec, _ := do(t, h, http.MethodGet, "/tokens/t1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", svc.scope)
}

func TestClearHandlers(t *testing.T) {
	svc := &fakeService{token: testToken()}
	h := newRouter(svc, "c1", "alice")

	for _, path := range []string{"/tokens/clear-credit", "/tokens/clear-tamper"} {
		rec, body := do(t, h, http.MethodPost, path, `{"meter_id":"m1","customer_id":"cu1"}`)
		assert.Equal(t, http.StatusCreated, rec.Code, path)
		assert.Equal(t, false, body["data"].(map[string]interface{})["notification_sent"])
	}
}

func TestResendHandler(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		success bool
	}{
		{name: "sent", status: http.StatusOK, success: true},
		{name: "not delivered", err: vending.ErrNotDelivered, status: http.StatusInternalServerError},
		{name: "no phone", err: vending.ErrNoCustomerPhone, status: http.StatusBadRequest},
		{name: "unknown token", err: database.ErrNotFound, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRouter(&fakeService{err: tt.err, token: testToken()}, "c1", "alice")
			rec, body := do(t, h, http.MethodPost, "/tokens/t1/resend", "")
			assert.Equal(t, tt.status, rec.Code)
			if data, ok := body["data"].(map[string]interface{}); ok {
				assert.Equal(t, tt.success, data["success"])
			}
		})
	}
}

func TestMeterHandlers(t *testing.T) {
	svc := &fakeService{}
	h := newRouter(svc, "c1", "alice")

	rec, body := do(t, h, http.MethodGet, "/meters/m1/info", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "58000185726", body["data"].(map[string]interface{})["Meter_id"])

	svc.err = stronpower.ErrMissingCredentials
	rec, body = do(t, h, http.MethodGet, "/meters/m1/credit", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "VENDOR_ERROR", body["error"].(map[string]interface{})["code"])

	svc.err = nil
	rec, _ = do(t, h, http.MethodPost, "/meters/m1/alerts", `{"type":"low_balance"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/meters/m1/alerts", `{"type":"party"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
