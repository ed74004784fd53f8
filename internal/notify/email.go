package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string `envconfig:"SMTP_HOST"`
	Port     int    `envconfig:"SMTP_PORT" default:"587"`
	Username string `envconfig:"SMTP_USERNAME"`
	Password string `envconfig:"SMTP_PASSWORD"`
	Sender   string `envconfig:"SMTP_SENDER" default:"no-reply@localhost"`
}

// Enabled reports whether a mail host is configured.
func (c SMTPConfig) Enabled() bool { return c.Host != "" }

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends plain-text mail with net/smtp.
type SMTPSender struct {
	config   SMTPConfig
	sendMail sendMailFunc
	logger   *slog.Logger
}

// NewSMTPSender creates a sender.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{config: cfg, sendMail: smtp.SendMail, logger: logger}
}

// Send implements EmailSender. net/smtp has no context support, so ctx is
// only checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("smtp: header injection rejected")
	}

	var auth smtp.Auth
	if s.config.Username != "" && s.config.Password != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", s.config.Sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n\r\n" +
			body,
	)

	if err := s.sendMail(addr, auth, s.config.Sender, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Info("email sent", "addr", addr)
	return nil
}
