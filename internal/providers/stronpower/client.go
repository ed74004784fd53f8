// Package stronpower is the gateway to the Stronpower prepaid meter vending
// API. Each call carries the tenant's credentials explicitly and issues
// exactly one HTTP request; retry policy belongs to the caller.
package stronpower

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"aquavend/internal/common/metrics"
)

// Config holds gateway configuration.
type Config struct {
	BaseURL string        `envconfig:"STRONPOWER_BASE_URL" default:"http://www.server-newv.stronpower.com/api"`
	Timeout time.Duration `envconfig:"STRONPOWER_TIMEOUT" default:"20s"`
}

// Credentials identify a client's account with the vendor.
type Credentials struct {
	CompanyName string
	Username    string
	Password    string
}

// Validate reports missing credential fields.
func (c Credentials) Validate() error {
	if c.CompanyName == "" || c.Username == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Operations, also used as metric labels.
const (
	OpQueryMeterInfo   = "QueryMeterInfo"
	OpQueryMeterCredit = "QueryMeterCredit"
	OpVend             = "VendingMeter"
	OpClearCredit      = "ClearCredit"
	OpClearTamper      = "ClearTamper"
)

var (
	ErrMissingCredentials = errors.New("stronpower credentials not configured")
	ErrTimeout            = errors.New("vendor timeout: outcome unknown, the vend may have completed vendor-side")
)

// maxResponseBytes bounds how much of a vendor response is read.
const maxResponseBytes = 1 << 20

// Client talks to the vendor API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "stronpower"),
	}
}

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration { return c.config.Timeout }

type queryRequest struct {
	CompanyName string `json:"CompanyName"`
	UserName    string `json:"UserName"`
	PassWord    string `json:"PassWord"`
	MeterID     string `json:"MeterId"`
}

type vendRequest struct {
	CompanyName string `json:"CompanyName"`
	UserName    string `json:"UserName"`
	PassWord    string `json:"PassWord"`
	MeterID     string `json:"MeterID"`
	VendByUnit  string `json:"is_vend_by_unit"`
	Amount      string `json:"Amount"`
	CustomerID  string `json:"CustomerId,omitempty"`
}

type clearRequest struct {
	CompanyName string `json:"CompanyName"`
	UserName    string `json:"UserName"`
	PassWord    string `json:"PassWord"`
	CustomerID  string `json:"CustomerId"`
	MeterID     string `json:"METER_ID"`
}

// QueryMeterInfo returns the vendor's meter record.
func (c *Client) QueryMeterInfo(ctx context.Context, creds Credentials, meterID string) (json.RawMessage, error) {
	return c.query(ctx, OpQueryMeterInfo, creds, meterID)
}

// QueryMeterCredit returns the vendor's view of the meter's remaining credit.
func (c *Client) QueryMeterCredit(ctx context.Context, creds Credentials, meterID string) (json.RawMessage, error) {
	return c.query(ctx, OpQueryMeterCredit, creds, meterID)
}

func (c *Client) query(ctx context.Context, op string, creds Credentials, meterID string) (json.RawMessage, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return c.post(ctx, op, queryRequest{
		CompanyName: creds.CompanyName,
		UserName:    creds.Username,
		PassWord:    creds.Password,
		MeterID:     meterID,
	})
}

// Vend requests a credit token. amount is money unless vendByUnit is set,
// in which case it is a unit quantity.
func (c *Client) Vend(ctx context.Context, creds Credentials, meterID string, amount decimal.Decimal, vendByUnit bool, customerID string) VendResult {
	if err := creds.Validate(); err != nil {
		return Failed(err.Error(), nil)
	}
	byUnit := "false"
	if vendByUnit {
		byUnit = "true"
	}
	raw, err := c.post(ctx, OpVend, vendRequest{
		CompanyName: creds.CompanyName,
		UserName:    creds.Username,
		PassWord:    creds.Password,
		MeterID:     meterID,
		VendByUnit:  byUnit,
		Amount:      amount.String(),
		CustomerID:  customerID,
	})
	return c.result(OpVend, meterID, raw, err)
}

// ClearCredit requests a token that zeroes the meter's credit register.
func (c *Client) ClearCredit(ctx context.Context, creds Credentials, meterID, customerID string) VendResult {
	return c.clear(ctx, OpClearCredit, creds, meterID, customerID)
}

// ClearTamper requests a token that resets the meter's tamper flag.
func (c *Client) ClearTamper(ctx context.Context, creds Credentials, meterID, customerID string) VendResult {
	return c.clear(ctx, OpClearTamper, creds, meterID, customerID)
}

func (c *Client) clear(ctx context.Context, op string, creds Credentials, meterID, customerID string) VendResult {
	if err := creds.Validate(); err != nil {
		return Failed(err.Error(), nil)
	}
	raw, err := c.post(ctx, op, clearRequest{
		CompanyName: creds.CompanyName,
		UserName:    creds.Username,
		PassWord:    creds.Password,
		CustomerID:  customerID,
		MeterID:     meterID,
	})
	return c.result(op, meterID, raw, err)
}

func (c *Client) result(op, meterID string, raw json.RawMessage, err error) VendResult {
	if err != nil {
		c.logger.Warn("vendor call failed", "operation", op, "meter_id", meterID, "error", err)
		return Failed(err.Error(), raw)
	}
	res := Normalize(raw)
	if !res.OK {
		c.logger.Warn("vendor response rejected", "operation", op, "meter_id", meterID, "reason", res.Reason)
	}
	return res
}

// post sends one JSON request and returns the body when it is a 2xx JSON
// document.
func (c *Client) post(ctx context.Context, op string, payload interface{}) (raw json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveVendor(op, err == nil, time.Since(start))
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("request not sent: %w", err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if outcomeUnknown(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if outcomeUnknown(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("stronpower api error: status=%d body=%s", httpResp.StatusCode, truncate(respBody, 256))
	}

	if !json.Valid(respBody) {
		return nil, errors.New("invalid JSON response from stronpower")
	}

	return json.RawMessage(respBody), nil
}

// outcomeUnknown reports whether the request was abandoned after it may
// have reached the vendor.
func outcomeUnknown(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
