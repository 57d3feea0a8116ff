package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTIssuer   string

	CORSAllowedOrigins []string

	LogFormat string
	LogLevel  string

	MetricsNamespace string
	TracingEnabled   bool
	TracingEndpoint  string
	TracingSampling  float64

	// PublicBaseURL is the externally reachable base URL providers post
	// webhooks to. ReturnURL is where hosted checkouts send the payer back.
	PublicBaseURL string
	ReturnURL     string

	LedgerCurrency   string
	DisplayCurrency  string
	WithdrawalFeePct decimal.Decimal
	WithdrawalCap    int
	OTPTTL           time.Duration
	OTPSweepAfter    time.Duration

	AccountServiceURL   string
	AccountServiceToken string
	NotifyServiceURL    string
	NotifyServiceToken  string
	CollaboratorTimeout time.Duration

	RatePrimaryURL  string
	RateFallbackURL string
	RateTimeout     time.Duration

	CinetPayAPIKey   string
	CinetPaySiteID   string
	CinetPaySecret   string
	CinetPayBaseURL  string
	PawaPayToken     string
	PawaPayBaseURL   string
	NowPaymentsKey   string
	NowPaymentsIPN   string
	NowPaymentsBase  string
	GatewayTimeout   time.Duration
	TokenExpiryGrace time.Duration

	CallbackTimeout    time.Duration
	WebhookReplayTTL   time.Duration
	IdempotencyTTL     time.Duration
	LockTTL            time.Duration
	LockRetryBackoff   time.Duration
	WithdrawRateWindow time.Duration
	WithdrawRateMax    int
	GlobalRateLimit    string

	SweepInterval     time.Duration
	ReverifyInterval  time.Duration
	ReverifyBatchSize int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),
		JWTSecret:   k.String("JWT_SECRET"),
		JWTIssuer:   valueOrDefault(k.String("JWT_ISSUER"), "sikapay"),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		LogFormat: valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:  valueOrDefault(k.String("LOG_LEVEL"), "info"),

		MetricsNamespace: valueOrDefault(k.String("METRICS_NAMESPACE"), "sikapay"),
		TracingEnabled:   strings.EqualFold(k.String("TRACING_ENABLED"), "true"),
		TracingEndpoint:  k.String("TRACING_OTLP_ENDPOINT"),
		TracingSampling:  parseFloat(k.String("TRACING_SAMPLING_RATIO"), 1),

		PublicBaseURL: k.String("PUBLIC_BASE_URL"),
		ReturnURL:     k.String("RETURN_URL"),

		LedgerCurrency:   valueOrDefault(k.String("LEDGER_CURRENCY"), "XAF"),
		DisplayCurrency:  valueOrDefault(k.String("DISPLAY_CURRENCY"), "USD"),
		WithdrawalFeePct: parseDecimal(k.String("WITHDRAWAL_FEE_PERCENT"), "2.5"),
		WithdrawalCap:    parseInt(k.String("WITHDRAWAL_DAILY_CAP"), 3),
		OTPTTL:           parseDuration(k.String("OTP_TTL"), "10m"),
		OTPSweepAfter:    parseDuration(k.String("OTP_SWEEP_AFTER"), "20m"),

		AccountServiceURL:   k.String("ACCOUNT_SERVICE_URL"),
		AccountServiceToken: k.String("ACCOUNT_SERVICE_TOKEN"),
		NotifyServiceURL:    k.String("NOTIFY_SERVICE_URL"),
		NotifyServiceToken:  k.String("NOTIFY_SERVICE_TOKEN"),
		CollaboratorTimeout: parseDuration(k.String("COLLABORATOR_TIMEOUT"), "10s"),

		RatePrimaryURL:  valueOrDefault(k.String("RATE_PRIMARY_URL"), "https://api.exchangerate.host"),
		RateFallbackURL: valueOrDefault(k.String("RATE_FALLBACK_URL"), "https://open.er-api.com/v6"),
		RateTimeout:     parseDuration(k.String("RATE_TIMEOUT"), "8s"),

		CinetPayAPIKey:   k.String("CINETPAY_API_KEY"),
		CinetPaySiteID:   k.String("CINETPAY_SITE_ID"),
		CinetPaySecret:   k.String("CINETPAY_SECRET"),
		CinetPayBaseURL:  valueOrDefault(k.String("CINETPAY_BASE_URL"), "https://api-checkout.cinetpay.com"),
		PawaPayToken:     k.String("PAWAPAY_TOKEN"),
		PawaPayBaseURL:   valueOrDefault(k.String("PAWAPAY_BASE_URL"), "https://api.pawapay.cloud"),
		NowPaymentsKey:   k.String("NOWPAYMENTS_API_KEY"),
		NowPaymentsIPN:   k.String("NOWPAYMENTS_IPN_SECRET"),
		NowPaymentsBase:  valueOrDefault(k.String("NOWPAYMENTS_BASE_URL"), "https://api.nowpayments.io"),
		GatewayTimeout:   parseDuration(k.String("GATEWAY_TIMEOUT"), "30s"),
		TokenExpiryGrace: parseDuration(k.String("GATEWAY_TOKEN_GRACE"), "60s"),

		CallbackTimeout:    parseDuration(k.String("CALLBACK_TIMEOUT"), "10s"),
		WebhookReplayTTL:   parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LockTTL:            parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff:   parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		WithdrawRateWindow: parseDuration(k.String("WITHDRAW_RATE_WINDOW"), "1m"),
		WithdrawRateMax:    parseInt(k.String("WITHDRAW_RATE_MAX"), 10),
		GlobalRateLimit:    valueOrDefault(k.String("GLOBAL_RATE_LIMIT"), "300-M"),

		SweepInterval:     parseDuration(k.String("SWEEP_INTERVAL"), "5m"),
		ReverifyInterval:  parseDuration(k.String("REVERIFY_INTERVAL"), "10m"),
		ReverifyBatchSize: parseInt(k.String("REVERIFY_BATCH_SIZE"), 50),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.AccountServiceURL == "" {
		return nil, errors.New("ACCOUNT_SERVICE_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDecimal(value, fallback string) decimal.Decimal {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = fallback
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		d, _ = decimal.NewFromString(fallback)
	}
	return d
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
