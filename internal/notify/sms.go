package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AfricasTalkingConfig holds Africa's Talking SMS credentials.
type AfricasTalkingConfig struct {
	BaseURL  string        `envconfig:"AFRICASTALKING_BASE_URL" default:"https://api.africastalking.com/version1"`
	Username string        `envconfig:"AFRICASTALKING_USERNAME"`
	APIKey   string        `envconfig:"AFRICASTALKING_API_KEY"`
	SenderID string        `envconfig:"AFRICASTALKING_SENDER_ID"`
	Timeout  time.Duration `envconfig:"AFRICASTALKING_TIMEOUT" default:"10s"`
}

// AfricasTalkingSender sends SMS through the Africa's Talking messaging API.
type AfricasTalkingSender struct {
	config     AfricasTalkingConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAfricasTalkingSender creates a sender.
func NewAfricasTalkingSender(cfg AfricasTalkingConfig, logger *slog.Logger) (*AfricasTalkingSender, error) {
	if cfg.Username == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("africastalking: username and api key are required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &AfricasTalkingSender{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

type atResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			Number     string `json:"number"`
			Status     string `json:"status"`
			StatusCode int    `json:"statusCode"`
			MessageID  string `json:"messageId"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

// Send implements SMSSender.
func (s *AfricasTalkingSender) Send(ctx context.Context, to, message string) error {
	form := url.Values{}
	form.Set("username", s.config.Username)
	form.Set("to", InternationalPhone(to))
	form.Set("message", message)
	if s.config.SenderID != "" {
		form.Set("from", s.config.SenderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", s.config.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("africastalking api error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var parsed atResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if len(parsed.SMSMessageData.Recipients) == 0 {
		return fmt.Errorf("africastalking rejected message: %s", parsed.SMSMessageData.Message)
	}
	rcpt := parsed.SMSMessageData.Recipients[0]
	// 100 Processed, 101 Sent, 102 Queued
	if rcpt.StatusCode < 100 || rcpt.StatusCode > 102 {
		return fmt.Errorf("africastalking delivery status %d: %s", rcpt.StatusCode, rcpt.Status)
	}

	s.logger.Info("sms sent", "provider", "africastalking", "message_id", rcpt.MessageID)
	return nil
}

// LogSender writes messages to the log instead of sending them. It is the
// fallback when no SMS provider is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send implements SMSSender.
func (s *LogSender) Send(_ context.Context, to, message string) error {
	s.logger.Info("sms not sent, no provider configured", "to", to, "message", message)
	return nil
}

// NewSMSSender picks the sender named by cfg.SMSProvider.
func NewSMSSender(cfg Config, logger *slog.Logger) (SMSSender, error) {
	switch strings.ToLower(cfg.SMSProvider) {
	case "africastalking":
		return NewAfricasTalkingSender(cfg.AfricasTalking, logger)
	case "", "log":
		return NewLogSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown SMS_PROVIDER %q", cfg.SMSProvider)
	}
}

// InternationalPhone rewrites a Kenyan local number (07..., 01...) into
// +254 form. Other inputs are returned with a leading + added when missing.
func InternationalPhone(phone string) string {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
	switch {
	case strings.HasPrefix(p, "+"):
		return p
	case strings.HasPrefix(p, "0") && len(p) == 10:
		return "+254" + p[1:]
	case p == "":
		return p
	default:
		return "+" + p
	}
}
