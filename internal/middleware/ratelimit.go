package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds the per-IP limits for the coordinator surfaces and the
// per-session inbound message budget.
type RateLimitConfig struct {
	GlobalAPIMax        int // /hitl REST requests per window
	GlobalAPIExpiration time.Duration

	WebSocketMax        int // clinician connection attempts per window
	WebSocketExpiration time.Duration

	MessagesPerSecond float64
	MessageBurst      int
}

// DefaultRateLimitConfig sizes limits for a clinic dashboard with a handful of
// clinicians and the reconnect storm that follows a deploy.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalAPIMax:        200,
		GlobalAPIExpiration: time.Minute,
		WebSocketMax:        20,
		WebSocketExpiration: time.Minute,
		MessagesPerSecond:   10,
		MessageBurst:        20,
	}
}

// LoadRateLimitConfig applies RATE_LIMIT_GLOBAL_API, RATE_LIMIT_WEBSOCKET and
// WS_MESSAGES_PER_SECOND over the defaults
func LoadRateLimitConfig() *RateLimitConfig {
	cfg := DefaultRateLimitConfig()

	if n, ok := positiveEnv("RATE_LIMIT_GLOBAL_API"); ok {
		cfg.GlobalAPIMax = int(n)
	}
	if n, ok := positiveEnv("RATE_LIMIT_WEBSOCKET"); ok {
		cfg.WebSocketMax = int(n)
	}
	if n, ok := positiveEnv("WS_MESSAGES_PER_SECOND"); ok {
		cfg.MessagesPerSecond = n
		cfg.MessageBurst = max(1, int(n*2))
	}

	if os.Getenv("ENVIRONMENT") == "development" {
		cfg.GlobalAPIMax = 1000
		cfg.WebSocketMax = 100
		log.Println("⚠️  [RATE-LIMIT] Development mode: relaxed limits")
	}
	return cfg
}

func positiveEnv(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n <= 0 {
		log.Printf("⚠️  [RATE-LIMIT] Ignoring %s=%q", key, v)
		return 0, false
	}
	return n, true
}

// GlobalAPIRateLimiter limits the REST review endpoints per client IP
func GlobalAPIRateLimiter(cfg *RateLimitConfig) fiber.Handler {
	return ipLimiter("api", cfg.GlobalAPIMax, cfg.GlobalAPIExpiration,
		"Too many requests. Please slow down.")
}

// WebSocketRateLimiter limits clinician connection attempts per client IP
func WebSocketRateLimiter(cfg *RateLimitConfig) fiber.Handler {
	return ipLimiter("ws", cfg.WebSocketMax, cfg.WebSocketExpiration,
		"Too many connection attempts. Please wait before reconnecting.")
}

func ipLimiter(scope string, maxHits int, window time.Duration, message string) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        maxHits,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return scope + ":" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] %s limit reached for IP %s", scope, c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       message,
				"retry_after": int(window.Seconds()),
			})
		},
	})
}
