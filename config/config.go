package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// AppConfig holds the application configuration
type AppConfig struct {
	Env          string
	HTTPAddr     string
	DBURL        string
	RedisAddress string
	BearerToken  string
	TokenSecret  string

	LogLevel  string
	LogFormat string

	Timezone      string
	SessionLength time.Duration

	JobConcurrency  int
	JobMaxAttempts  int
	JobPollInterval time.Duration

	Payout PayoutConfig
	SMTP   SMTPConfig

	AllowedOrigins []string
}

// PayoutConfig carries the commission rules.
type PayoutConfig struct {
	IncorporatedPercent decimal.Decimal
	IndependentPercent  decimal.Decimal
	CutoffDay           int
	FallbackListPrice   decimal.Decimal
}

// SMTPConfig is used for operational alert e-mails. Empty Host disables alerts.
type SMTPConfig struct {
	Host       string
	Port       int
	User       string
	Pass       string
	AlertEmail string
}

// GetBearerToken returns the BearerToken from the config
func (c *AppConfig) GetBearerToken() string {
	return c.BearerToken
}

// IsDevelopment reports whether ENV is set to development.
func (c *AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// Load reads the configuration from the environment, after loading a .env file when present.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg := &AppConfig{
		Env:             GetEnvAsString("ENV", "production"),
		HTTPAddr:        GetEnvAsString("HTTP_ADDR", ":8930"),
		DBURL:           os.Getenv("DB_URL"),
		RedisAddress:    os.Getenv("REDIS_URL"),
		BearerToken:     os.Getenv("BEARER_TOKEN"),
		TokenSecret:     os.Getenv("TOKEN_SECRET"),
		LogLevel:        GetEnvAsString("LOG_LEVEL", "info"),
		LogFormat:       GetEnvAsString("LOG_FORMAT", "json"),
		Timezone:        GetEnvAsString("APP_TIMEZONE", "America/Sao_Paulo"),
		SessionLength:   GetEnvAsDuration("SESSION_LENGTH", 50*time.Minute),
		JobConcurrency:  GetEnvAsInt("JOB_WORKER_CONCURRENCY", 3),
		JobMaxAttempts:  GetEnvAsInt("JOB_MAX_ATTEMPTS", 5),
		JobPollInterval: GetEnvAsDuration("JOB_POLL_INTERVAL", 500*time.Millisecond),
		Payout: PayoutConfig{
			IncorporatedPercent: GetEnvAsDecimal("PAYOUT_PERCENT_INCORPORATED", decimal.RequireFromString("0.40")),
			IndependentPercent:  GetEnvAsDecimal("PAYOUT_PERCENT_INDEPENDENT", decimal.RequireFromString("0.32")),
			CutoffDay:           GetEnvAsInt("PAYOUT_CUTOFF_DAY", 20),
			FallbackListPrice:   GetEnvAsDecimal("PAYOUT_FALLBACK_LIST_PRICE", decimal.Zero),
		},
		SMTP: SMTPConfig{
			Host:       os.Getenv("SMTP_HOST"),
			Port:       GetEnvAsInt("SMTP_PORT", 587),
			User:       os.Getenv("SMTP_USER"),
			Pass:       os.Getenv("SMTP_PASS"),
			AlertEmail: os.Getenv("ALERT_EMAIL"),
		},
		AllowedOrigins: splitList(GetEnvAsString("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c *AppConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DBURL, validation.Required.Error("missing DB_URL environment variable")),
		validation.Field(&c.RedisAddress, validation.Required.Error("missing REDIS_URL environment variable")),
		validation.Field(&c.BearerToken, validation.Required.Error("missing BEARER_TOKEN environment variable")),
		validation.Field(&c.TokenSecret, validation.Required.Error("missing TOKEN_SECRET environment variable"), validation.Length(16, 0)),
		validation.Field(&c.SessionLength, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.JobConcurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.JobMaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.Payout, validation.By(func(value interface{}) error {
			p := value.(PayoutConfig)
			return validation.ValidateStruct(&p,
				validation.Field(&p.CutoffDay, validation.Required, validation.Min(1), validation.Max(31)),
			)
		})),
	)
}

// GetEnvAsString returns the variable value or the default when unset or empty.
func GetEnvAsString(name, defaultValue string) string {
	if value, exists := os.LookupEnv(name); exists && value != "" {
		return value
	}
	return defaultValue
}

func GetEnvAsInt(name string, defaultValue int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if durationValue, err := time.ParseDuration(value); err == nil {
			return durationValue
		}
	}
	return defaultValue
}

func GetEnvAsDecimal(name string, defaultValue decimal.Decimal) decimal.Decimal {
	if value, exists := os.LookupEnv(name); exists {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
