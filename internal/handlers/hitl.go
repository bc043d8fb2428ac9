package handlers

import (
	"errors"
	"log"

	"devscreen/internal/hitl"
	"devscreen/internal/middleware"
	"devscreen/internal/models"

	"github.com/gofiber/fiber/v2"
)

// HITLHandler serves the review queue REST endpoints
type HITLHandler struct {
	coordinator *hitl.Coordinator
}

// NewHITLHandler creates a new HITL REST handler
func NewHITLHandler(coordinator *hitl.Coordinator) *HITLHandler {
	return &HITLHandler{coordinator: coordinator}
}

// GetPending returns the clinic's review queue
// GET /hitl/pending?clinicId=
func (h *HITLHandler) GetPending(c *fiber.Ctx) error {
	clinicID := c.Query("clinicId")
	if !authorized(c, clinicID) {
		return forbidden(c)
	}

	pending, err := h.coordinator.Pending(c.UserContext(), clinicID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(pending)
}

// AdmitCase adds a case that needs review
// POST /hitl/cases
func (h *HITLHandler) AdmitCase(c *fiber.Ctx) error {
	var req models.AdmitCaseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if !authorized(c, req.ClinicID) {
		return forbidden(c)
	}
	if req.ActorID == "" {
		req.ActorID = actorID(c)
	}

	entries, err := h.coordinator.AdmitCase(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"queue": entries,
		"count": len(entries),
	})
}

// RecordAudit appends an audit event
// POST /hitl/audit
func (h *HITLHandler) RecordAudit(c *fiber.Ctx) error {
	var req models.AuditRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if !authorized(c, req.ClinicID) {
		return forbidden(c)
	}
	if req.ActorID == "" {
		req.ActorID = actorID(c)
	}

	if err := h.coordinator.RecordAudit(c.UserContext(), req); err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status": "recorded",
	})
}

// GetAudit returns the trail of one case
// GET /hitl/audit?clinicId=&caseId=
func (h *HITLHandler) GetAudit(c *fiber.Ctx) error {
	clinicID := c.Query("clinicId")
	caseID := c.Query("caseId")
	if caseID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "caseId is required",
		})
	}
	if !authorized(c, clinicID) {
		return forbidden(c)
	}

	trail, err := h.coordinator.Audit(c.UserContext(), clinicID, caseID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(trail)
}

// Finalize records the final decision and removes the case from the queue
// POST /hitl/finalize
func (h *HITLHandler) Finalize(c *fiber.Ctx) error {
	var req models.FinalizeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if !authorized(c, req.ClinicID) {
		return forbidden(c)
	}
	if req.ClinicianID == "" {
		req.ClinicianID = actorID(c)
	}

	entries, err := h.coordinator.Finalize(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"queue": entries,
		"count": len(entries),
	})
}

func (h *HITLHandler) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, hitl.ErrInvalidClinic), errors.Is(err, hitl.ErrInvalidRequest):
		status = fiber.StatusBadRequest
	case errors.Is(err, hitl.ErrNotQueued):
		status = fiber.StatusNotFound
	default:
		log.Printf("❌ [HITL] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(status).JSON(fiber.Map{
			"error": "Review queue unavailable",
		})
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// authorized reports whether the authenticated clinician may act on clinicID
func authorized(c *fiber.Ctx, clinicID string) bool {
	clinician, ok := middleware.ClinicianFrom(c)
	return !ok || clinician.MayAccess(clinicID)
}

func forbidden(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error": "Not authorized for this clinic",
	})
}

func actorID(c *fiber.Ctx) string {
	if clinician, ok := middleware.ClinicianFrom(c); ok {
		return clinician.ID
	}
	return ""
}
