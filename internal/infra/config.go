package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DebitOrder selects which credit pool is drained first when both are eligible.
type DebitOrder string

const (
	DebitWeeklyFirst    DebitOrder = "weekly_first"
	DebitPurchasedFirst DebitOrder = "purchased_first"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string
	RedisURL    string

	WebhookSecret string

	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	WeeklyCreditCap int
	CreditOrder     DebitOrder

	PollSweepSchedule string
	ReconcileSchedule string
	PollGrace         time.Duration
	StuckJobMaxAge    time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	CORSAllowedOrigins []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		RedisURL:    os.Getenv("REDIS_URL"),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "https://api.provider.example/v1"),
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		ProviderTimeout: time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 30)),

		WeeklyCreditCap: getEnvInt("WEEKLY_CREDIT_CAP", 10),
		CreditOrder:     DebitOrder(getEnv("CREDIT_DEBIT_ORDER", string(DebitWeeklyFirst))),

		PollSweepSchedule: getEnv("POLL_SWEEP_SCHEDULE", "@every 30s"),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "@every 2m"),
		PollGrace:         time.Second * time.Duration(getEnvInt("POLL_GRACE_SECONDS", 60)),
		StuckJobMaxAge:    time.Hour * time.Duration(getEnvInt("STUCK_JOB_MAX_AGE_HOURS", 6)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		CORSAllowedOrigins: splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	switch cfg.CreditOrder {
	case DebitWeeklyFirst, DebitPurchasedFirst:
	default:
		return nil, fmt.Errorf("CREDIT_DEBIT_ORDER must be %q or %q", DebitWeeklyFirst, DebitPurchasedFirst)
	}

	if cfg.WeeklyCreditCap < 0 {
		return nil, fmt.Errorf("WEEKLY_CREDIT_CAP must not be negative")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
