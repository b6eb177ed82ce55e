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
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Directory drivers.
const (
	DirectoryMySQL  = "mysql"
	DirectoryHTTP   = "http"
	DirectoryStatic = "static"
)

// Redeem rate limit strategies.
const (
	RateLimitSliding = "sliding"
	RateLimitFixed   = "fixed"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	CORSAllowedOrigins []string

	StoreDriver    string
	DatabaseURL    string
	SQLitePath     string
	MigrateOnStart bool

	RedisURL string

	MealTypes            []string
	BulkIssueConcurrency int
	BulkIssueLockTTL     time.Duration
	LockRenewEvery       time.Duration
	IdempotencyTTL       time.Duration

	DirectoryDriver      string
	DirectoryDSN         string
	DirectoryTable       string
	DirectoryColumns     DirectoryColumns
	DirectoryURL         string
	DirectoryTimeout     time.Duration
	DirectoryCacheTTL    time.Duration
	DirectoryStaticFile  string
	BreakerMinRequests   int
	BreakerFailureRatio  float64
	BreakerOpenFor       time.Duration
	RetryBase            time.Duration
	RetryMaxAttempts     int
	RetryJitterPercent   float64
	RedeemRateLimit      int
	RedeemRateWindow     time.Duration
	RedeemRateStrategy   string
	BodyLimitBytes       int64
	SecurityHeaders      bool
	AnalyticsCacheTTL    time.Duration
	AnalyticsDefaultDays int

	NotifyEmailEnabled bool
	SMTPHost           string
	SMTPPort           int
	SMTPUser           string
	SMTPPass           string
	MailFrom           string
	MailFromName       string
	WebhookURLs        string
	WebhookSecret      string
	WebhookTopics      []string
	WebhookTimeout     time.Duration
	WebhookReplayTTL   time.Duration
	WebhookInsecureTLS bool
	TaskQueue          string
	TaskConcurrency    int
	TaskMaxRetry       int
	BulkUniqueTTL      time.Duration
	ShutdownTimeout    time.Duration
}

// DirectoryColumns maps guest projection fields onto columns of the external table.
type DirectoryColumns struct {
	ID     string
	Name   string
	Ref    string
	Email  string
	Active string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		StoreDriver:    strings.ToLower(valueOrDefault(k.String("STORE_DRIVER"), StorePostgres)),
		DatabaseURL:    k.String("DATABASE_URL"),
		SQLitePath:     valueOrDefault(k.String("SQLITE_PATH"), "mealpass.db"),
		MigrateOnStart: parseBoolDefault(k.String("MIGRATE_ON_START"), true),

		RedisURL: k.String("REDIS_URL"),

		MealTypes:            upperAll(splitAndTrim(valueOrDefault(k.String("MEAL_TYPES"), "BREAKFAST,LUNCH,SNACK"))),
		BulkIssueConcurrency: parseInt(k.String("BULK_ISSUE_CONCURRENCY"), 4),
		BulkIssueLockTTL:     parseDuration(k.String("BULK_ISSUE_LOCK_TTL"), "5m"),
		LockRenewEvery:       parseDuration(k.String("LOCK_RENEW_EVERY"), "0s"),
		IdempotencyTTL:       parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),

		DirectoryDriver: strings.ToLower(valueOrDefault(k.String("DIRECTORY_DRIVER"), DirectoryMySQL)),
		DirectoryDSN:    k.String("DIRECTORY_DSN"),
		DirectoryTable:  valueOrDefault(k.String("DIRECTORY_TABLE"), "visitors"),
		DirectoryColumns: DirectoryColumns{
			ID:     valueOrDefault(k.String("DIRECTORY_COL_ID"), "id"),
			Name:   valueOrDefault(k.String("DIRECTORY_COL_NAME"), "name"),
			Ref:    valueOrDefault(k.String("DIRECTORY_COL_REF"), "document_number"),
			Email:  valueOrDefault(k.String("DIRECTORY_COL_EMAIL"), "email"),
			Active: valueOrDefault(k.String("DIRECTORY_COL_ACTIVE"), "active"),
		},
		DirectoryURL:         strings.TrimRight(strings.TrimSpace(k.String("DIRECTORY_URL")), "/"),
		DirectoryTimeout:     parseDuration(k.String("DIRECTORY_TIMEOUT"), "3s"),
		DirectoryCacheTTL:    parseDuration(k.String("DIRECTORY_CACHE_TTL"), "1m"),
		DirectoryStaticFile:  k.String("DIRECTORY_STATIC_FILE"),
		BreakerMinRequests:   parseInt(k.String("CIRCUIT_DIRECTORY_MIN_REQUESTS"), 5),
		BreakerFailureRatio:  parseFloat(k.String("CIRCUIT_DIRECTORY_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:       parseDuration(k.String("CIRCUIT_DIRECTORY_OPEN_FOR"), "30s"),
		RetryBase:            parseDuration(k.String("RETRY_BASE"), "100ms"),
		RetryMaxAttempts:     parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitterPercent:   parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		RedeemRateLimit:      parseInt(k.String("REDEEM_RATE_LIMIT"), 120),
		RedeemRateWindow:     parseDuration(k.String("REDEEM_RATE_WINDOW"), "1m"),
		RedeemRateStrategy:   strings.ToLower(valueOrDefault(k.String("RATE_LIMIT_STRATEGY"), RateLimitSliding)),
		BodyLimitBytes:       int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		SecurityHeaders:      parseBoolDefault(k.String("SECURITY_HEADERS_ENABLED"), true),
		AnalyticsCacheTTL:    parseDuration(k.String("ANALYTICS_CACHE_TTL"), "30s"),
		AnalyticsDefaultDays: parseInt(k.String("ANALYTICS_DEFAULT_DAYS"), 7),

		NotifyEmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		SMTPHost:           strings.TrimSpace(k.String("SMTP_HOST")),
		SMTPPort:           parseInt(k.String("SMTP_PORT"), 587),
		SMTPUser:           k.String("SMTP_USER"),
		SMTPPass:           k.String("SMTP_PASS"),
		MailFrom:           valueOrDefault(k.String("MAIL_FROM"), "vouchers@mealpass.local"),
		MailFromName:       valueOrDefault(k.String("MAIL_FROM_NAME"), "Mealpass"),
		WebhookURLs:        strings.TrimSpace(k.String("WEBHOOK_URLS")),
		WebhookSecret:      k.String("WEBHOOK_SECRET"),
		WebhookTopics:      splitAndTrim(k.String("WEBHOOK_TOPICS")),
		WebhookTimeout:     parseDuration(k.String("WEBHOOK_TIMEOUT"), "5s"),
		WebhookReplayTTL:   parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		WebhookInsecureTLS: parseBool(k.String("WEBHOOK_ALLOW_INSECURE_TLS")),
		TaskQueue:          valueOrDefault(k.String("TASK_QUEUE"), "default"),
		TaskConcurrency:    parseInt(k.String("TASK_CONCURRENCY"), 10),
		TaskMaxRetry:       parseInt(k.String("TASK_MAX_RETRY"), 8),
		BulkUniqueTTL:      parseDuration(k.String("BULK_ISSUE_UNIQUE_TTL"), "10m"),
		ShutdownTimeout:    parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.DirectoryDriver {
	case DirectoryMySQL:
		if c.DirectoryDSN == "" {
			return errors.New("DIRECTORY_DSN is required when DIRECTORY_DRIVER=mysql")
		}
	case DirectoryHTTP:
		if c.DirectoryURL == "" {
			return errors.New("DIRECTORY_URL is required when DIRECTORY_DRIVER=http")
		}
	case DirectoryStatic:
	default:
		return fmt.Errorf("unsupported DIRECTORY_DRIVER %q", c.DirectoryDriver)
	}
	switch c.RedeemRateStrategy {
	case RateLimitSliding, RateLimitFixed:
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_STRATEGY %q", c.RedeemRateStrategy)
	}
	if len(c.MealTypes) == 0 {
		return errors.New("MEAL_TYPES must list at least one meal type")
	}
	if c.BulkIssueConcurrency <= 0 {
		c.BulkIssueConcurrency = 1
	}
	if c.NotifyEmailEnabled && c.SMTPHost == "" && c.AppEnv == "production" {
		return errors.New("SMTP_HOST is required when NOTIFY_EMAIL_ENABLED=true")
	}
	if c.WebhookURLs != "" && c.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	if (c.NotifyEmailEnabled || c.WebhookURLs != "") && !c.RedisEnabled() {
		return errors.New("REDIS_URL is required for email or webhook delivery")
	}
	return nil
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

// RedisEnabled reports whether a Redis URL was configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
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

func upperAll(values []string) []string {
	for i := range values {
		values[i] = strings.ToUpper(values[i])
	}
	return values
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
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

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
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
