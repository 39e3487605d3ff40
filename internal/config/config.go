package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName            = "SangoPay"
	defaultAppEnv             = "development"
	defaultPort               = "8080"
	defaultLogLevel           = "info"
	defaultShutdownDelay      = 10 * time.Second
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultGatewayTimeout     = 5 * time.Second
	defaultBreakerThreshold   = 5
	defaultBreakerCooldown    = 30 * time.Second
	defaultComplianceFresh    = 60 * time.Second
	defaultReconcileInterval  = 30 * time.Second
	defaultReconcileAfter     = 2 * time.Minute
	defaultPaymentEventsTopic = "payment.events"
	defaultStatusEventsTopic  = "account.status"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	AuthServiceURL       string
	WalletServiceURL     string
	ComplianceServiceURL string

	KafkaBrokers       []string
	PaymentEventsTopic string
	StatusEventsTopic  string

	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	GatewayTimeout      time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	ComplianceFreshness time.Duration

	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:              getEnv("APP_NAME", defaultAppName),
		AppEnv:               getEnv("APP_ENV", defaultAppEnv),
		Port:                 getEnv("PORT", defaultPort),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AuthServiceURL:       getEnv("AUTH_SERVICE_URL", "http://localhost:8001"),
		WalletServiceURL:     getEnv("WALLET_SERVICE_URL", "http://localhost:8002"),
		ComplianceServiceURL: getEnv("COMPLIANCE_SERVICE_URL", "http://localhost:8003"),
		PaymentEventsTopic:   getEnv("PAYMENT_EVENTS_TOPIC", defaultPaymentEventsTopic),
		StatusEventsTopic:    getEnv("STATUS_EVENTS_TOPIC", defaultStatusEventsTopic),
		ShutdownPeriod:       defaultShutdownDelay,
		IdempotencyTTL:       defaultIdempotencyTTL,
		GatewayTimeout:       defaultGatewayTimeout,
		BreakerThreshold:     defaultBreakerThreshold,
		BreakerCooldown:      defaultBreakerCooldown,
		ComplianceFreshness:  defaultComplianceFresh,
		ReconcileInterval:    defaultReconcileInterval,
		ReconcileAfter:       defaultReconcileAfter,
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, broker := range strings.Split(v, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
			}
		}
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.GatewayTimeout, err = durationEnv("GATEWAY_TIMEOUT", cfg.GatewayTimeout); err != nil {
		return Config{}, err
	}
	if cfg.BreakerCooldown, err = durationEnv("BREAKER_COOLDOWN", cfg.BreakerCooldown); err != nil {
		return Config{}, err
	}
	if cfg.ComplianceFreshness, err = durationEnv("COMPLIANCE_FRESHNESS", cfg.ComplianceFreshness); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileAfter, err = durationEnv("RECONCILE_AFTER", cfg.ReconcileAfter); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("BREAKER_THRESHOLD"); v != "" {
		threshold, convErr := strconv.Atoi(v)
		if convErr != nil || threshold < 1 {
			return Config{}, fmt.Errorf("invalid BREAKER_THRESHOLD: %q", v)
		}
		cfg.BreakerThreshold = threshold
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	// Integer-seconds spelling kept for compatibility with older deploys.
	if s := os.Getenv(key + "_SECONDS"); s != "" {
		seconds, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return fallback, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
