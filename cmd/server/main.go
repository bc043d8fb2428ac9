package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"devscreen/internal/config"
	"devscreen/internal/handlers"
	"devscreen/internal/hitl"
	"devscreen/internal/logging"
	"devscreen/internal/metrics"
	"devscreen/internal/middleware"
	"devscreen/internal/services"
	"devscreen/pkg/auth"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting devscreen review coordinator...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Instance: %s, Environment: %s)", cfg.Port, cfg.InstanceID, cfg.Environment)

	var appMetrics *metrics.Metrics
	if cfg.MetricsEnabled {
		appMetrics = metrics.Init()
	} else {
		appMetrics = metrics.NewUnregistered()
	}

	opts := hitl.Options{Metrics: appMetrics}

	// Redis-backed queue, presence, audit and fan-out when REDIS_URL is set
	var redisService *services.RedisService
	if cfg.SingleInstance() {
		log.Println("⚠️  REDIS_URL not set: review queue is in-memory, run exactly one replica")
	} else {
		var err error
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}

		presence := hitl.NewRedisPresence(redisService, cfg.InstanceID)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := presence.Reset(ctx); err != nil {
			log.Printf("⚠️  Failed to clear stale presence: %v", err)
		}
		cancel()

		opts.Queue = hitl.NewRedisQueueStore(redisService)
		opts.Presence = presence
		opts.Audit = hitl.NewRedisAuditStore(redisService)
		opts.Broker = hitl.NewRedisBroker(services.NewPubSubService(redisService, cfg.InstanceID))
		log.Println("✅ Redis review queue and broker configured")
	}

	// Clinician JWTs when a secret is configured
	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		var err error
		jwtAuth, err = auth.NewLocalJWTAuth(cfg.JWTSecret, 12*time.Hour)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT authentication: %v", err)
		}
		opts.Validator = hitl.NewJWTTokenValidator(jwtAuth)
		log.Println("✅ Clinician JWT validation enabled")
	} else if cfg.IsProduction() {
		log.Fatal("❌ HITL_JWT_SECRET is required in production")
	} else {
		log.Println("⚠️  HITL_JWT_SECRET not set: any non-empty token is accepted (development only)")
	}

	coordinator := hitl.NewCoordinator(opts)
	if err := coordinator.Start(); err != nil {
		log.Fatalf("❌ Failed to start coordinator: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      "devscreen coordinator",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    cfg.BodyLimitKB * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	if cfg.MetricsEnabled {
		prometheus := fiberprometheus.New("devscreen")
		prometheus.RegisterAt(app, "/metrics")
		app.Use(prometheus.Middleware)
		log.Println("📊 Prometheus metrics endpoint enabled at /metrics")
	}

	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", allowedOrigins)

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, WS=%d/min, WS messages=%.0f/s",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.WebSocketMax,
		rateLimitConfig.MessagesPerSecond,
	)

	wsConfig := websocket.Config{
		Origins: cfg.AllowedOrigins,
	}
	handlers.RegisterRoutes(app, coordinator, jwtAuth, rateLimitConfig, wsConfig)

	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("🩺 Clinician endpoint: ws://localhost:%s/hitl/clinician/{clinicId}?token=...", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if err := coordinator.Stop(); err != nil {
			log.Printf("⚠️ Error stopping coordinator: %v", err)
		}

		if redisService != nil {
			if err := redisService.Close(); err != nil {
				log.Printf("⚠️ Error closing Redis: %v", err)
			}
		}

		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
