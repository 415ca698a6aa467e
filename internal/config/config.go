package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Cache backend constants
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Rate limit store constants
const (
	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

type Config struct {
	// Server settings
	ServerAddr   string
	BaseURL      string
	IsProduction bool

	// Database
	DatabaseDriver  string // "sqlite" or "postgres"
	DatabaseDSN     string
	DatabaseTimeout time.Duration // Per-call store timeout

	// Session settings
	SessionSecret string
	SessionMaxAge int // seconds

	// Bearer JWT verification (external SSO issuer)
	JWTSecret string
	JWTIssuer string

	// OAuth protocol settings
	AuthCodeExpiration     time.Duration // <=10 minutes
	AccessTokenExpiration  time.Duration
	RefreshTokenExpiration time.Duration

	// Identity resolution cache
	ResolutionCacheTTL time.Duration
	CacheBackend       string // "memory" or "redis"

	// Redis (resolution cache and rate limit store)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Rate limiting
	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitStore     string // "memory" or "redis"

	// Metrics
	MetricsEnabled bool
	MetricsToken   string

	// Provenance log
	ProvenanceEnabled    bool
	ProvenanceBufferSize int
	AlertWebhookURL      string

	// Router middleware route configuration
	SkipPaths      []string // No identity resolution at all
	AnonymousPaths []string // Resolution attempted, but 401 suppressed

	// Expiry janitor
	CleanupInterval time.Duration

	// Seeding
	SeedAdminEmail string
	SeedOrgID      string
}

func Load() *Config {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	driver := getEnv("DATABASE_DRIVER", "sqlite")
	var dsn string
	if driver == "sqlite" {
		dsn = getEnv("DATABASE_DSN", "recallgate.db")
	} else {
		dsn = getEnv("DATABASE_DSN", "")
	}

	return &Config{
		ServerAddr:   getEnv("SERVER_ADDR", ":8080"),
		BaseURL:      getEnv("BASE_URL", "http://localhost:8080"),
		IsProduction: getEnvBool("PRODUCTION", false),

		DatabaseDriver:  driver,
		DatabaseDSN:     dsn,
		DatabaseTimeout: getEnvDuration("DATABASE_TIMEOUT", 5*time.Second),

		SessionSecret: getEnv("SESSION_SECRET", "session-secret-change-in-production"),
		SessionMaxAge: getEnvInt("SESSION_MAX_AGE", 3600),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", ""),

		AuthCodeExpiration:     getEnvDuration("AUTH_CODE_EXPIRATION", 10*time.Minute),
		AccessTokenExpiration:  getEnvDuration("ACCESS_TOKEN_EXPIRATION", time.Hour),
		RefreshTokenExpiration: getEnvDuration("REFRESH_TOKEN_EXPIRATION", 720*time.Hour),

		ResolutionCacheTTL: getEnvDuration("RESOLUTION_CACHE_TTL", 30*time.Second),
		CacheBackend:       getEnv("CACHE_BACKEND", CacheBackendMemory),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitStore:     getEnv("RATE_LIMIT_STORE", RateLimitStoreMemory),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsToken:   getEnv("METRICS_TOKEN", ""),

		ProvenanceEnabled:    getEnvBool("PROVENANCE_ENABLED", true),
		ProvenanceBufferSize: getEnvInt("PROVENANCE_BUFFER_SIZE", 1000),
		AlertWebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),

		SkipPaths: getEnvSlice("AUTH_SKIP_PATHS", []string{
			"/health", "/metrics",
			"/oauth/token", "/oauth/revoke", "/oauth/tokeninfo",
			"/session/login", "/session/register", "/session/logout",
		}),
		AnonymousPaths: getEnvSlice("AUTH_ANONYMOUS_PATHS", []string{"/oauth/authorize"}),

		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute),

		SeedAdminEmail: getEnv("SEED_ADMIN_EMAIL", "admin@localhost"),
		SeedOrgID:      getEnv("SEED_ORG_ID", "org_default"),
	}
}

// Validate rejects configurations that are unsafe to run with.
func (c *Config) Validate() error {
	if c.AuthCodeExpiration > 10*time.Minute {
		return errors.New("AUTH_CODE_EXPIRATION must not exceed 10 minutes")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("unsupported DATABASE_DRIVER: %s", c.DatabaseDriver)
	}
	if c.DatabaseDriver == "postgres" && c.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required for the postgres driver")
	}
	if c.IsProduction {
		if c.SessionSecret == "session-secret-change-in-production" {
			return errors.New("SESSION_SECRET must be changed in production")
		}
		if c.CacheBackend == CacheBackendRedis && c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when CACHE_BACKEND=redis")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var parts []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
