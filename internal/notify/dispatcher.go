// Package notify delivers token notifications to customers by SMS and
// email. Delivery is best effort: failures are logged and reported to the
// caller as a boolean, never as an error that could fail a vend.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"aquavend/internal/common/metrics"
	"aquavend/internal/common/money"
	"aquavend/internal/domain"
)

// Config holds notification configuration.
type Config struct {
	SMSProvider    string        `envconfig:"SMS_PROVIDER" default:"log"`
	SendTimeout    time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`
	AfricasTalking AfricasTalkingConfig
	SMTP           SMTPConfig
}

// SMSSender sends a text message to one phone number.
type SMSSender interface {
	Send(ctx context.Context, to, message string) error
}

// EmailSender sends a plain-text email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ErrNoRecipient is returned when a notice has neither a phone nor an email.
var ErrNoRecipient = errors.New("no recipient for notification")

// TokenNotice carries what a customer needs to load a token.
type TokenNotice struct {
	TokenType    domain.TokenType
	MeterID      string
	TokenValue   string
	Amount       *decimal.Decimal
	Units        *decimal.Decimal
	CustomerName string
	Phone        string
	Email        string
}

// Dispatcher fans a notice out to the configured channels.
type Dispatcher struct {
	sms     SMSSender
	email   EmailSender
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. email may be nil when SMTP is not
// configured.
func NewDispatcher(sms SMSSender, email EmailSender, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sms:     sms,
		email:   email,
		timeout: timeout,
		logger:  logger.With("component", "notify"),
	}
}

// TokenIssued notifies the customer of a new token. It reports whether at
// least one channel accepted the message.
func (d *Dispatcher) TokenIssued(ctx context.Context, n TokenNotice) bool {
	if n.Phone == "" && n.Email == "" {
		d.logger.Warn("token notification skipped", "meter_id", n.MeterID, "error", ErrNoRecipient)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	data := templateData{
		MeterID: n.MeterID,
		Token:   n.TokenValue,
		Amount:  "0",
		Name:    n.CustomerName,
	}
	if n.Amount != nil {
		data.Amount = money.Format(*n.Amount)
	}
	if n.Units != nil {
		data.Units = n.Units.String()
	}

	delivered := false

	if n.Phone != "" && d.sms != nil {
		if err := d.sendSMS(ctx, n.Phone, smsTemplateFor(n.TokenType), data); err != nil {
			d.logger.Error("token sms failed", "meter_id", n.MeterID, "error", err)
		} else {
			delivered = true
		}
	}

	if n.Email != "" && d.email != nil {
		if err := d.sendEmail(ctx, n.Email, EmailTokenIssued, data); err != nil {
			d.logger.Error("token email failed", "meter_id", n.MeterID, "error", err)
		} else {
			delivered = true
		}
	}

	return delivered
}

// AlertNotice is a meter alert for the meter's assignee. Kind is
// SMSLowBalance or SMSTamperAlert.
type AlertNotice struct {
	Kind         string
	MeterID      string
	CustomerName string
	Phone        string
	Email        string
}

// MeterAlert sends an alert by SMS and, when the customer has an address, by
// email. It reports whether any channel accepted it.
func (d *Dispatcher) MeterAlert(ctx context.Context, n AlertNotice) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	data := templateData{MeterID: n.MeterID, Name: n.CustomerName}
	text, err := renderSMS(n.Kind, data)
	if err != nil {
		d.logger.Error("meter alert not rendered", "kind", n.Kind, "error", err)
		return false
	}
	data.Alert = text

	delivered := false
	if n.Phone != "" && d.sms != nil {
		if err := d.sendSMS(ctx, n.Phone, n.Kind, data); err != nil {
			d.logger.Error("meter alert sms failed", "meter_id", n.MeterID, "kind", n.Kind, "error", err)
		} else {
			delivered = true
		}
	}
	if n.Email != "" && d.email != nil {
		if err := d.sendEmail(ctx, n.Email, EmailAlertNotification, data); err != nil {
			d.logger.Error("meter alert email failed", "meter_id", n.MeterID, "kind", n.Kind, "error", err)
		} else {
			delivered = true
		}
	}
	return delivered
}

func (d *Dispatcher) sendSMS(ctx context.Context, to, name string, data templateData) error {
	msg, err := renderSMS(name, data)
	if err != nil {
		return err
	}
	err = d.sms.Send(ctx, to, msg)
	metrics.ObserveNotification("sms", err == nil)
	return err
}

func (d *Dispatcher) sendEmail(ctx context.Context, to, name string, data templateData) error {
	subject, body, err := renderEmail(name, data)
	if err != nil {
		return err
	}
	err = d.email.Send(ctx, to, subject, body)
	metrics.ObserveNotification("email", err == nil)
	return err
}

func smsTemplateFor(t domain.TokenType) string {
	switch t {
	case domain.TokenClearCredit:
		return SMSClearCredit
	case domain.TokenClearTamper:
		return SMSClearTamper
	default:
		return SMSTokenIssued
	}
}
