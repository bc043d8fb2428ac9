package middleware

import (
	"log"
	"os"

	"devscreen/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// ClinicianAuthMiddleware verifies clinician JWTs on the HITL REST endpoints.
// Supports both Authorization header and token query parameter. With no JWT
// secret configured, requests pass as a development clinician allowed into
// every clinic.
func ClinicianAuthMiddleware(jwtAuth *auth.LocalJWTAuth) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if jwtAuth == nil {
			// Never allow auth bypass in production
			if os.Getenv("ENVIRONMENT") == "production" {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "Authentication service unavailable",
				})
			}
			c.Locals("clinician", &auth.Clinician{ID: "dev-clinician", Role: "clinician", ClinicID: auth.AnyClinic})
			return c.Next()
		}

		var token string
		if authHeader := c.Get("Authorization"); authHeader != "" {
			if extracted, err := auth.ExtractToken(authHeader); err == nil {
				token = extracted
			}
		}
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization token",
			})
		}

		clinician, err := jwtAuth.VerifyToken(token)
		if err != nil {
			log.Printf("❌ [AUTH] Token rejected on %s: %v", c.Path(), err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("clinician", clinician)
		return c.Next()
	}
}

// ClinicianFrom returns the clinician stored by ClinicianAuthMiddleware
func ClinicianFrom(c *fiber.Ctx) (*auth.Clinician, bool) {
	clinician, ok := c.Locals("clinician").(*auth.Clinician)
	return clinician, ok
}
