package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the coordinator server configuration
type Config struct {
	Port     string
	RedisURL string // empty: single-instance, in-memory mode

	Environment    string
	AllowedOrigins []string

	// HITL_JWT_SECRET set: clinician JWTs are required; unset: any non-empty token is accepted
	JWTSecret string

	// Stamped on pub/sub messages and presence fields. Must be unique per replica.
	InstanceID string

	MetricsEnabled  bool
	BodyLimitKB     int
	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	origins := strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return &Config{
		Port:     getEnv("PORT", "5001"),
		RedisURL: getEnv("REDIS_URL", ""),

		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,

		JWTSecret: getEnv("HITL_JWT_SECRET", ""),

		InstanceID: getEnv("INSTANCE_ID", uuid.New().String()),

		MetricsEnabled:  getBoolEnv("METRICS_ENABLED", true),
		BodyLimitKB:     getIntEnv("BODY_LIMIT_KB", 64),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

// SingleInstance reports whether the review queue is kept in process memory.
// Only one replica may serve clinicians in this mode.
func (c *Config) SingleInstance() bool {
	return c.RedisURL == ""
}

// IsProduction reports whether ENVIRONMENT=production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}
