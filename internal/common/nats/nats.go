package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"aquavend/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	Enabled       bool          `envconfig:"NATS_ENABLED" default:"false"`
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"aquavend"`
	Stream        string        `envconfig:"NATS_STREAM" default:"AQUAVEND"`
	SubjectPrefix string        `envconfig:"NATS_SUBJECT_PREFIX" default:"aquavend"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	MaxAge        time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
}

// Client wraps NATS connection with JetStream support
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// New creates a new NATS client
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{
		conn:   conn,
		js:     js,
		logger: logger,
	}, nil
}

// Close drains and closes the connection
func (c *Client) Close() {
	_ = c.conn.Drain()
}

// EnsureStream creates or updates the stream capturing all subjects under
// prefix.
func (c *Client) EnsureStream(ctx context.Context, name, prefix string, maxAge time.Duration) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "vending pipeline domain events",
		Subjects:    []string{prefix + ".>"},
		MaxAge:      maxAge,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("creating/updating stream %s: %w", name, err)
	}

	c.logger.Info("stream ensured", "name", name, "subjects", prefix+".>")
	return nil
}

// HealthCheck checks NATS connection health
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return nil
}

// Publisher publishes events to JetStream under <prefix>.<event type>.
type Publisher struct {
	client *Client
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Subject returns the subject an event of eventType is published on.
func Subject(prefix, eventType string) string {
	return fmt.Sprintf("%s.%s", prefix, eventType)
}

// Publish implements events.Publisher. The event ID doubles as the JetStream
// message ID so broker-side deduplication drops republished envelopes.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	subject := Subject(p.prefix, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if _, err := p.client.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", subject,
	)

	return nil
}
