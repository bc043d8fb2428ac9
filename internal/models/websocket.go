package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Inbound message types sent by clinician clients
const (
	MessageCaseSelected = "case_selected"
	MessageDecisionMade = "decision_made"
	MessageHeartbeat    = "heartbeat"
)

// Outbound message types fanned out to a clinic
const (
	MessageClinicianJoined = "clinician_joined"
	MessageQueueUpdated    = "queue_updated"
)

// CaseRef carries the fields inbound messages refer to
type CaseRef struct {
	CaseID      string `json:"caseId,omitempty"`
	ClinicianID string `json:"clinicianId,omitempty"`
	Decision    string `json:"decision,omitempty"` // "approved", "rejected", "corrected"
	Notes       string `json:"notes,omitempty"`
}

// ClientMessage represents a message from a clinician client.
// Fields may be sent flat or nested under "data"; Normalize folds them together.
type ClientMessage struct {
	Type string   `json:"type"` // "case_selected", "decision_made" or "heartbeat"
	Data *CaseRef `json:"data,omitempty"`
	CaseRef
}

// Normalize returns the effective case reference of the message
func (m ClientMessage) Normalize() CaseRef {
	ref := m.CaseRef
	if m.Data == nil {
		return ref
	}
	if ref.CaseID == "" {
		ref.CaseID = m.Data.CaseID
	}
	if ref.ClinicianID == "" {
		ref.ClinicianID = m.Data.ClinicianID
	}
	if ref.Decision == "" {
		ref.Decision = m.Data.Decision
	}
	if ref.Notes == "" {
		ref.Notes = m.Data.Notes
	}
	return ref
}

// ServerMessage represents a message sent to clinician clients.
// Data has a fixed shape per Type.
type ServerMessage struct {
	Type     string `json:"type"` // "clinician_joined", "queue_updated", "decision_made"
	ClinicID string `json:"clinicId,omitempty"`
	Data     any    `json:"data"`
}

// ClinicianJoinedData is the payload of clinician_joined (also used for any presence change)
type ClinicianJoinedData struct {
	ClinicID    string `json:"clinicId"`
	ClinicianID string `json:"clinicianId,omitempty"`
	Online      int    `json:"online"`
	Left        bool   `json:"left,omitempty"`
}

// QueueUpdatedData is the payload of queue_updated. Clients must treat Queue as a
// full replacement of their local view.
type QueueUpdatedData struct {
	Queue    []QueueEntry `json:"queue"`
	Position int          `json:"position"`
	Count    int          `json:"count"`
	CaseID   string       `json:"caseId,omitempty"`
}

// DecisionMadeData is the payload of decision_made
type DecisionMadeData struct {
	CaseID      string    `json:"caseId"`
	ClinicianID string    `json:"clinicianId,omitempty"`
	Decision    string    `json:"decision,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ClientSession represents a single clinician WebSocket connection.
// Sessions are local to one server instance.
type ClientSession struct {
	ClientID    string
	ClinicID    string
	ClinicianID string
	Role        string
	Conn        *websocket.Conn
	CreatedAt   time.Time
	WriteChan   chan ServerMessage
	mu          sync.Mutex
	closed      bool
	overflowed  bool
}

// NewClientSession creates a session with a buffered outbound channel
func NewClientSession(clientID, clinicID, clinicianID, role string, conn *websocket.Conn) *ClientSession {
	return &ClientSession{
		ClientID:    clientID,
		ClinicID:    clinicID,
		ClinicianID: clinicianID,
		Role:        role,
		Conn:        conn,
		CreatedAt:   time.Now(),
		WriteChan:   make(chan ServerMessage, 64),
	}
}

// Send queues a message without blocking. A session whose buffer is full is
// closed rather than skipped, so its client reconnects and resyncs from a fresh
// snapshot. It returns false when the message was not queued.
func (s *ClientSession) Send(msg ServerMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.WriteChan <- msg:
		return true
	default:
		s.closed = true
		s.overflowed = true
		close(s.WriteChan)
		return false
	}
}

// Close closes the outbound channel once
func (s *ClientSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.WriteChan)
}

// IsClosed reports whether Close has been called
func (s *ClientSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Overflowed reports whether Send closed the session because its buffer was full
func (s *ClientSession) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}
