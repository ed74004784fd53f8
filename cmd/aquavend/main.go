package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"aquavend/internal/common/database"
	"aquavend/internal/common/events"
	"aquavend/internal/common/metrics"
	"aquavend/internal/common/middleware"
	natsclient "aquavend/internal/common/nats"
	"aquavend/internal/notify"
	"aquavend/internal/payments"
	paymentsapi "aquavend/internal/payments/api"
	"aquavend/internal/providers/stronpower"
	"aquavend/internal/resolver"
	"aquavend/internal/store"
	"aquavend/internal/vending"
	vendingapi "aquavend/internal/vending/api"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"AQUAVEND_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// API_KEYS entries are "tenant:user:bcrypthash"; tenant "*" is a
	// system operator key.
	APIKeys        []string      `envconfig:"API_KEYS"`
	RateLimitRPS   float64       `envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst int           `envconfig:"RATE_LIMIT_BURST" default:"20"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	Database   database.Config
	NATS       natsclient.Config
	Redis      RedisConfig
	Stronpower stronpower.Config
	Notify     notify.Config
	Resolver   resolver.Config
}

// RedisConfig configures the optional response cache behind Idempotency-Key.
type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"false"`
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func main() {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.Enabled {
		nc, err := natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		if err := nc.EnsureStream(ctx, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, cfg.NATS.MaxAge); err != nil {
			logger.Error("failed to ensure event stream", "error", err)
			os.Exit(1)
		}
		publisher = natsclient.NewPublisher(nc, cfg.NATS.SubjectPrefix, logger)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	sms, err := notify.NewSMSSender(cfg.Notify, logger)
	if err != nil {
		logger.Error("failed to configure SMS", "error", err)
		os.Exit(1)
	}
	var email notify.EmailSender
	if cfg.Notify.SMTP.Enabled() {
		email = notify.NewSMTPSender(cfg.Notify.SMTP, logger)
	}

	keys, err := middleware.ParseAPIKeyRing(cfg.APIKeys)
	if err != nil {
		logger.Error("invalid API_KEYS", "error", err)
		os.Exit(1)
	}
	if keys.Len() == 0 {
		logger.Warn("no API keys configured, the operator API will reject every request")
	}

	// Create services
	st := store.New(db)
	gateway := stronpower.NewClient(cfg.Stronpower, logger)
	dispatcher := notify.NewDispatcher(sms, email, cfg.Notify.SendTimeout, logger)
	vendingService := vending.NewService(st, gateway, dispatcher, publisher, gateway.Timeout(), logger)
	paymentService := payments.NewService(st, resolver.New(st, cfg.Resolver, logger), vendingService, publisher, logger)

	// Create handlers
	paymentHandler := paymentsapi.NewHandler(paymentService, logger)
	vendingHandler := vendingapi.NewHandler(vendingService)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(metrics.Middleware)
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := st.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","database":"down"}`))
			return
		}
		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready","redis":"down"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	// Payment network callbacks are unauthenticated and always answer 200
	r.Mount("/api/v1/payments/webhooks", paymentHandler.WebhookRoutes())

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(keys.Validate))
		r.Use(middleware.RateLimit(middleware.NewTokenBucketLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), middleware.KeyByTenantOrIP))
		if rdb != nil {
			r.Use(middleware.Idempotency(middleware.NewRedisIdempotencyStore(rdb, "aquavend:idem:"), cfg.IdempotencyTTL, logger))
		}

		r.Mount("/api/v1/payments", paymentHandler.Routes())
		r.Mount("/api/v1/tokens", vendingHandler.TokenRoutes())
		r.Mount("/api/v1/meters", vendingHandler.MeterRoutes())
	})

	// The write timeout leaves room for a full vendor round trip.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Stronpower.Timeout + cfg.Notify.SendTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting aquavend service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"nats", cfg.NATS.Enabled,
			"redis", cfg.Redis.Enabled,
			"sms_provider", cfg.Notify.SMSProvider,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
