package handlers

import (
	"devscreen/internal/hitl"
	"devscreen/internal/middleware"
	"devscreen/pkg/auth"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts the health, HITL REST and clinician WebSocket routes.
// jwtAuth may be nil in development.
func RegisterRoutes(app *fiber.App, coordinator *hitl.Coordinator, jwtAuth *auth.LocalJWTAuth, rateLimitConfig *middleware.RateLimitConfig, wsConfig websocket.Config) {
	healthHandler := NewHealthHandler(coordinator)
	hitlHandler := NewHITLHandler(coordinator)
	wsHandler := NewHITLWebSocketHandler(coordinator, rateLimitConfig.MessagesPerSecond, rateLimitConfig.MessageBurst)

	app.Get("/health", healthHandler.Handle)

	// The WebSocket route checks its token after the upgrade, so it is
	// registered before the REST auth middleware
	app.Use("/hitl/clinician", wsHandler.Upgrade)
	app.Use("/hitl/clinician", middleware.WebSocketRateLimiter(rateLimitConfig))
	app.Get("/hitl/clinician/:clinicId", websocket.New(wsHandler.Handle, wsConfig))

	api := app.Group("/hitl",
		middleware.GlobalAPIRateLimiter(rateLimitConfig),
		middleware.ClinicianAuthMiddleware(jwtAuth),
	)
	api.Get("/pending", hitlHandler.GetPending)
	api.Post("/cases", hitlHandler.AdmitCase)
	api.Post("/audit", hitlHandler.RecordAudit)
	api.Get("/audit", hitlHandler.GetAudit)
	api.Post("/finalize", hitlHandler.Finalize)
}
