package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from environment
// variables with the ACCESSHUB_ prefix. An optional .env file is read
// first so local development does not need exported variables.
type Config struct {
	Env      string
	HTTPAddr string
	LogLevel string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	DatabaseURL string
	RedisAddr   string

	Issuer         string
	PrivateKeyPEM  string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	AppTokenTTL    time.Duration
	InviteTTL      time.Duration
	MinPasswordLen int

	SyncRetention    time.Duration
	SyncCron         string
	ManifestTimeout  time.Duration
	BulkSyncParallel int

	RateLimitPerSec int
	RateLimitBurst  int
	MaxBodyBytes    int64
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set variables directly.
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ACCESSHUB_ENV", "development"),
		HTTPAddr: getEnv("ACCESSHUB_HTTP_ADDR", ":8080"),
		LogLevel: getEnv("ACCESSHUB_LOG_LEVEL", "info"),

		ReadTimeout:     getEnvDuration("ACCESSHUB_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getEnvDuration("ACCESSHUB_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("ACCESSHUB_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ACCESSHUB_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: getEnv("ACCESSHUB_DATABASE_URL", ""),
		RedisAddr:   getEnv("ACCESSHUB_REDIS_ADDR", ""),

		Issuer:         getEnv("ACCESSHUB_ISSUER", "accesshub"),
		PrivateKeyPEM:  getEnv("ACCESSHUB_PRIVATE_KEY_PEM", ""),
		AccessTTL:      getEnvDuration("ACCESSHUB_ACCESS_TTL", 30*time.Minute),
		RefreshTTL:     getEnvDuration("ACCESSHUB_REFRESH_TTL", 7*24*time.Hour),
		AppTokenTTL:    getEnvDuration("ACCESSHUB_APP_TOKEN_TTL", 5*time.Minute),
		InviteTTL:      getEnvDuration("ACCESSHUB_INVITE_TTL", 7*24*time.Hour),
		MinPasswordLen: getEnvInt("ACCESSHUB_MIN_PASSWORD_LEN", 6),

		SyncRetention:    getEnvDuration("ACCESSHUB_SYNC_RETENTION", 30*24*time.Hour),
		SyncCron:         getEnv("ACCESSHUB_SYNC_CRON", ""),
		ManifestTimeout:  getEnvDuration("ACCESSHUB_MANIFEST_TIMEOUT", 30*time.Second),
		BulkSyncParallel: getEnvInt("ACCESSHUB_BULK_SYNC_PARALLEL", 4),

		RateLimitPerSec: getEnvInt("ACCESSHUB_RATE_LIMIT_PER_SEC", 50),
		RateLimitBurst:  getEnvInt("ACCESSHUB_RATE_LIMIT_BURST", 100),
		MaxBodyBytes:    int64(getEnvInt("ACCESSHUB_MAX_BODY_BYTES", 1<<20)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: ACCESSHUB_DATABASE_URL is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("config: ACCESSHUB_ISSUER must not be empty")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.AppTokenTTL <= 0 {
		return fmt.Errorf("config: token TTLs must be positive")
	}
	if c.MinPasswordLen < 1 {
		return fmt.Errorf("config: ACCESSHUB_MIN_PASSWORD_LEN must be at least 1")
	}
	if c.BulkSyncParallel < 1 {
		return fmt.Errorf("config: ACCESSHUB_BULK_SYNC_PARALLEL must be at least 1")
	}
	if c.Env == "production" && c.PrivateKeyPEM == "" {
		return fmt.Errorf("config: ACCESSHUB_PRIVATE_KEY_PEM is required in production")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
