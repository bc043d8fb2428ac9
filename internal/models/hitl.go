package models

import "time"

// QueueEntry is one case waiting for clinician review. Position is zero-based and
// recomputed from the backing store on every mutation.
type QueueEntry struct {
	CaseID            string    `json:"caseId"`
	ClinicianAssigned string    `json:"clinicianAssigned,omitempty"`
	EnqueuedAt        time.Time `json:"enqueuedAt"`
	Position          int       `json:"position"`
}

// AuditAction enumerates what can happen to a case during review
type AuditAction string

const (
	AuditAdmitted  AuditAction = "admitted"
	AuditSelected  AuditAction = "selected"
	AuditReviewed  AuditAction = "reviewed"
	AuditCorrected AuditAction = "corrected"
	AuditApproved  AuditAction = "approved"
	AuditRejected  AuditAction = "rejected"
	AuditFinalized AuditAction = "finalized"
)

// Valid reports whether the action is one of the known audit actions
func (a AuditAction) Valid() bool {
	switch a {
	case AuditAdmitted, AuditSelected, AuditReviewed, AuditCorrected,
		AuditApproved, AuditRejected, AuditFinalized:
		return true
	}
	return false
}

// AuditEvent is an append-only record in a case's review trail
type AuditEvent struct {
	CaseID    string      `json:"caseId"`
	Action    AuditAction `json:"action"`
	ActorID   string      `json:"actorId"`
	Timestamp time.Time   `json:"timestamp"`
	Notes     string      `json:"notes,omitempty"`
}

// AdmitCaseRequest is the body of POST /hitl/cases
type AdmitCaseRequest struct {
	ClinicID string `json:"clinicId"`
	CaseID   string `json:"caseId"`
	ActorID  string `json:"actorId,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// FinalizeRequest is the body of POST /hitl/finalize
type FinalizeRequest struct {
	ClinicID    string `json:"clinicId"`
	CaseID      string `json:"caseId"`
	ClinicianID string `json:"clinicianId"`
	Decision    string `json:"decision"` // "approved", "rejected" or "corrected"
	Notes       string `json:"notes,omitempty"`
}

// AuditRequest is the body of POST /hitl/audit
type AuditRequest struct {
	ClinicID string `json:"clinicId"`
	AuditEvent
}

// PendingResponse is returned by GET /hitl/pending
type PendingResponse struct {
	ClinicID string       `json:"clinicId"`
	Queue    []QueueEntry `json:"queue"`
	Count    int          `json:"count"`
	Online   int          `json:"online"`
}

// AuditTrailResponse is returned by GET /hitl/audit
type AuditTrailResponse struct {
	ClinicID string       `json:"clinicId"`
	CaseID   string       `json:"caseId"`
	Events   []AuditEvent `json:"events"`
}
