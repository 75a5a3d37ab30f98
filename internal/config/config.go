package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	AppEnv        string
	LogLevel      string
	SentryDSN     string
	DatabaseURL   string
	JWTSecret     string
	RedisURL      string
	RunMigrations bool

	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBConnMaxLifetime    time.Duration
	DBConnMaxIdleTime    time.Duration
	AccessTokenTTL       time.Duration
	LoginMaxAttempts     int
	LoginLockDuration    time.Duration
	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
	LoginLimiterBackend  string
	RevocationBackend    string
	TrustedProxyHops     int

	AllowAdminRegistration bool
	RoleMismatchForbidden  bool
	AdminUsername          string
	AdminPassword          string

	CronSecret            string
	LoginAttemptRetention time.Duration
	CleanupBatchSize      int
}

// Load reads the process environment. DATABASE_URL and JWT_SECRET are required.
func Load() (Config, error) {
	databaseURL, err := MustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	jwtSecret, err := MustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:          EnvOrDefault("PORT", "8080"),
		AppEnv:        EnvOrDefault("APP_ENV", "development"),
		LogLevel:      EnvOrDefault("LOG_LEVEL", "info"),
		SentryDSN:     strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		DatabaseURL:   databaseURL,
		JWTSecret:     jwtSecret,
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		RunMigrations: EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),

		DBMaxOpenConns:       EnvIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:       EnvIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime:    envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime:    envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		AccessTokenTTL:       envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 20),
		LoginMaxAttempts:     EnvIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockDuration:    envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		LoginRateLimitMax:    EnvIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		LoginLimiterBackend:  strings.ToLower(EnvOrDefault("LOGIN_RATE_LIMIT_BACKEND", "memory")),
		RevocationBackend:    strings.ToLower(EnvOrDefault("TOKEN_REVOCATION_BACKEND", "postgres")),
		TrustedProxyHops:     EnvIntOrDefault("TRUSTED_PROXY_HOPS", 0),

		AllowAdminRegistration: EnvBoolOrDefault("ALLOW_ADMIN_REGISTRATION", false),
		RoleMismatchForbidden:  EnvBoolOrDefault("ROLE_MISMATCH_FORBIDDEN", false),
		AdminUsername:          strings.TrimSpace(os.Getenv("ADMIN_USERNAME")),
		AdminPassword:          strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")),

		CronSecret:            strings.TrimSpace(os.Getenv("CRON_SECRET")),
		LoginAttemptRetention: envDaysOrDefault("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		CleanupBatchSize:      EnvIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.LoginLimiterBackend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("unsupported LOGIN_RATE_LIMIT_BACKEND: %s", c.LoginLimiterBackend)
	}
	switch c.RevocationBackend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("unsupported TOKEN_REVOCATION_BACKEND: %s", c.RevocationBackend)
	}
	if (c.LoginLimiterBackend == "redis" || c.RevocationBackend == "redis") && c.RedisURL == "" {
		return fmt.Errorf("missing required env: REDIS_URL")
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}
	return nil
}

func MustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func EnvOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func EnvIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(EnvIntOrDefault(name, fallback)) * time.Minute
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(EnvIntOrDefault(name, fallback)) * time.Second
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(EnvIntOrDefault(name, fallback)) * 24 * time.Hour
}
