package hitl

import (
	"context"
	"sync"

	"devscreen/internal/models"
)

// AuditStore is the append-only review trail of each case
type AuditStore interface {
	Append(ctx context.Context, clinicID string, event models.AuditEvent) error
	List(ctx context.Context, clinicID, caseID string) ([]models.AuditEvent, error)
}

// MemoryAuditStore keeps audit trails in process memory
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events map[string][]models.AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{events: make(map[string][]models.AuditEvent)}
}

func (s *MemoryAuditStore) Append(ctx context.Context, clinicID string, event models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clinicID + "/" + event.CaseID
	s.events[key] = append(s.events[key], event)
	return nil
}

func (s *MemoryAuditStore) List(ctx context.Context, clinicID, caseID string) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[clinicID+"/"+caseID]
	out := make([]models.AuditEvent, len(events))
	copy(out, events)
	return out, nil
}
