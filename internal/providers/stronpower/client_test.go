package stronpower

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{CompanyName: "Acme Water", Username: "prepaid", Password: "secret"}

func newTestClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", Timeout: timeout}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		ok     bool
		token  string
		units  string
		reason string
	}{
		{name: "list of one", raw: `[{"Token":"1234 5678 9012","Total_unit":"0.1","Unit":"m3"}]`, ok: true, token: "1234 5678 9012", units: "0.1"},
		{name: "object lower case", raw: `{"token":"555","units":2.5}`, ok: true, token: "555", units: "2.5"},
		{name: "TokenNo alias", raw: `{"TokenNo":"777"}`, ok: true, token: "777"},
		{name: "TokenNo1 alias numeric", raw: `{"TokenNo1":98765432101234567890}`, ok: true, token: "98765432101234567890"},
		{name: "empty first alias falls through", raw: `{"Token":"","TokenNo":"888"}`, ok: true, token: "888"},
		{name: "bad units dropped", raw: `{"Token":"999","Total_unit":"n/a"}`, ok: true, token: "999"},
		{name: "missing token", raw: `{"Message":"meter not found"}`, reason: "token missing from stronpower response: meter not found"},
		{name: "empty list", raw: `[]`, reason: "unexpected response shape from stronpower"},
		{name: "bare string", raw: `"1234"`, reason: "unexpected response shape from stronpower"},
		{name: "list of strings", raw: `["1234"]`, reason: "unexpected response shape from stronpower"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Normalize(json.RawMessage(tt.raw))
			assert.Equal(t, tt.ok, res.OK)
			assert.Equal(t, tt.token, res.TokenValue)
			if tt.units == "" {
				assert.Nil(t, res.Units)
			} else {
				require.NotNil(t, res.Units)
				assert.True(t, res.Units.Equal(decimal.RequireFromString(tt.units)))
			}
			if !tt.ok {
				assert.Equal(t, tt.reason, res.Reason)
				assert.JSONEq(t, tt.raw, string(res.Raw))
			}
		})
	}
}

func TestVendSendsCredentialsAndFields(t *testing.T) {
	var path string
	var body map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`[{"Token":"0123-4567","Total_unit":"12.5"}]`))
	}, time.Second)

	res := c.Vend(context.Background(), testCreds, "58000185726", decimal.RequireFromString("250.00"), false, "CUST-9")

	require.True(t, res.OK, res.Reason)
	assert.Equal(t, "0123-4567", res.TokenValue)
	assert.True(t, res.Units.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, "/VendingMeter", path)
	assert.Equal(t, map[string]string{
		"CompanyName":     "Acme Water",
		"UserName":        "prepaid",
		"PassWord":        "secret",
		"MeterID":         "58000185726",
		"is_vend_by_unit": "false",
		"Amount":          "250",
		"CustomerId":      "CUST-9",
	}, body)
}

func TestVendFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		reason  string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`oops`))
			},
			reason: "stronpower api error: status=500 body=oops",
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			reason: "invalid JSON response from stronpower",
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				_, _ = w.Write([]byte(`{"Token":"late"}`))
			},
			reason: ErrTimeout.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler, 50*time.Millisecond)
			res := c.Vend(context.Background(), testCreds, "m1", decimal.NewFromInt(10), true, "")
			assert.False(t, res.OK)
			assert.Empty(t, res.TokenValue)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestVendCanceledMidRequest(t *testing.T) {
	received := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		close(received)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-received
		cancel()
	}()

	res := c.Vend(ctx, testCreds, "m1", decimal.NewFromInt(10), false, "")
	assert.False(t, res.OK)
	assert.Equal(t, ErrTimeout.Error(), res.Reason)
}

func TestVendCanceledBeforeSend(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true }, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Vend(ctx, testCreds, "m1", decimal.NewFromInt(10), false, "")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "request not sent")
	assert.False(t, called)
}

func TestVendWithoutCredentialsMakesNoCall(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true }, time.Second)

	res := c.Vend(context.Background(), Credentials{CompanyName: "x"}, "m1", decimal.NewFromInt(10), false, "")
	assert.False(t, res.OK)
	assert.Equal(t, ErrMissingCredentials.Error(), res.Reason)
	assert.False(t, called)
}

func TestClearOperations(t *testing.T) {
	var paths []string
	var last map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		last = map[string]string{}
		_ = json.NewDecoder(r.Body).Decode(&last)
		_, _ = w.Write([]byte(`{"Token":"CLR-1"}`))
	}, time.Second)

	res := c.ClearCredit(context.Background(), testCreds, "m1", "c1")
	require.True(t, res.OK)
	assert.Equal(t, "CLR-1", res.TokenValue)

	res = c.ClearTamper(context.Background(), testCreds, "m1", "c1")
	require.True(t, res.OK)

	assert.Equal(t, []string{"/ClearCredit", "/ClearTamper"}, paths)
	assert.Equal(t, "m1", last["METER_ID"])
	assert.Equal(t, "c1", last["CustomerId"])
}

func TestQueries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "m1", req["MeterId"])
		switch r.URL.Path {
		case "/QueryMeterInfo":
			_, _ = w.Write([]byte(`[{"Meter_id":"m1","Customer_name":"Jane"}]`))
		case "/QueryMeterCredit":
			_, _ = w.Write([]byte(`{"Credit":"4.2"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, time.Second)

	info, err := c.QueryMeterInfo(context.Background(), testCreds, "m1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"Meter_id":"m1","Customer_name":"Jane"}]`, string(info))

	credit, err := c.QueryMeterCredit(context.Background(), testCreds, "m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"Credit":"4.2"}`, string(credit))

	_, err = c.QueryMeterInfo(context.Background(), Credentials{}, "m1")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}
