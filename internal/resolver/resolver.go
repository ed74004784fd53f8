// Package resolver maps the tenant code, account reference and payer phone
// of a payment onto the Client, Meter and Customer it belongs to.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"aquavend/internal/common/database"
	"aquavend/internal/domain"
)

// Config holds resolver configuration.
type Config struct {
	// AllowUnscopedMeter enables the legacy lookup of a meter by account
	// reference across all clients when the scoped lookup misses.
	AllowUnscopedMeter bool `envconfig:"RESOLVER_ALLOW_UNSCOPED_METER" default:"false"`
}

var (
	ErrClientNotFound   = errors.New("client not found for paybill")
	ErrMeterNotFound    = errors.New("meter not found for account number")
	ErrCustomerNotFound = errors.New("customer not found for phone/meter")
)

// Directory is the read side of the tenancy tables. Lookups return
// database.ErrNotFound when nothing matches.
type Directory interface {
	GetClientByPaybill(ctx context.Context, paybill string) (*domain.Client, error)
	GetMeterForClient(ctx context.Context, clientID, meterNumber string) (*domain.Meter, error)
	GetMeterByNumber(ctx context.Context, meterNumber string) (*domain.Meter, error)
	FindCustomerByPhone(ctx context.Context, clientID string, phones []string) (*domain.Customer, error)
	GetActiveAssignee(ctx context.Context, meterID string) (*domain.Customer, error)
}

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	Client   *domain.Client
	Meter    *domain.Meter
	Customer *domain.Customer
}

// Resolver resolves payment identities.
type Resolver struct {
	dir    Directory
	config Config
	logger *slog.Logger
}

// New creates a resolver.
func New(dir Directory, cfg Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		dir:    dir,
		config: cfg,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve returns the Client, Meter and Customer for a payment. On failure
// the returned Resolution still carries whatever was found before the miss,
// so the caller can attach it to the payment.
func (r *Resolver) Resolve(ctx context.Context, paybill, account, phone string) (*Resolution, error) {
	res := &Resolution{}

	client, meter, err := r.lookupTarget(ctx, paybill, account)
	res.Client, res.Meter = client, meter
	if err != nil {
		return res, err
	}

	customer, err := r.dir.FindCustomerByPhone(ctx, client.ID, PhoneVariants(phone))
	if err != nil && !database.IsNotFound(err) {
		return res, fmt.Errorf("looking up customer by phone: %w", err)
	}
	if customer == nil {
		customer, err = r.dir.GetActiveAssignee(ctx, meter.ID)
		if err != nil {
			if database.IsNotFound(err) {
				return res, ErrCustomerNotFound
			}
			return res, fmt.Errorf("looking up meter assignee: %w", err)
		}
	}
	res.Customer = customer

	return res, nil
}

// ValidateTarget checks that the paybill names a client and the account
// names one of its meters. It writes nothing.
func (r *Resolver) ValidateTarget(ctx context.Context, paybill, account string) error {
	_, _, err := r.lookupTarget(ctx, paybill, account)
	return err
}

func (r *Resolver) lookupTarget(ctx context.Context, paybill, account string) (*domain.Client, *domain.Meter, error) {
	client, err := r.dir.GetClientByPaybill(ctx, strings.TrimSpace(paybill))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, nil, ErrClientNotFound
		}
		return nil, nil, fmt.Errorf("looking up client: %w", err)
	}

	account = strings.TrimSpace(account)
	meter, err := r.dir.GetMeterForClient(ctx, client.ID, account)
	if err == nil {
		return client, meter, nil
	}
	if !database.IsNotFound(err) {
		return client, nil, fmt.Errorf("looking up meter: %w", err)
	}

	if !r.config.AllowUnscopedMeter {
		return client, nil, ErrMeterNotFound
	}

	meter, err = r.dir.GetMeterByNumber(ctx, account)
	if err != nil {
		if database.IsNotFound(err) {
			return client, nil, ErrMeterNotFound
		}
		return client, nil, fmt.Errorf("looking up meter: %w", err)
	}
	r.logger.Warn("meter resolved outside paying client",
		"paybill", paybill,
		"client_id", client.ID,
		"meter_client_id", meter.ClientID,
		"meter_id", meter.MeterID,
	)
	return client, meter, nil
}

// PhoneVariants returns the spellings a Kenyan number may be stored under:
// as given, without + and spaces, and with the 0 / 254 / +254 prefixes.
func PhoneVariants(phone string) []string {
	raw := strings.TrimSpace(phone)
	if raw == "" {
		return nil
	}
	digits := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(raw)

	var local string
	switch {
	case strings.HasPrefix(digits, "254") && len(digits) > 3:
		local = digits[3:]
	case strings.HasPrefix(digits, "0") && len(digits) > 1:
		local = digits[1:]
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if _, ok := seen[s]; ok || s == "" {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	add(raw)
	add(digits)
	if local != "" {
		add("254" + local)
		add("+254" + local)
		add("0" + local)
	}
	return out
}
