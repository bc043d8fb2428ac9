// Package hitl coordinates the shared human-in-the-loop review queue: which
// cases wait for review in each clinic, who is online, and the audit trail of
// decisions, kept consistent across clinician sessions and server instances.
package hitl

import (
	"context"
	"sync"
	"time"

	"devscreen/internal/models"
)

// QueueStore holds one ordered review queue per clinic. Every mutation is a
// single atomic read-modify-write and returns the resulting full snapshot.
type QueueStore interface {
	// Push moves caseID to the front, adding it if absent
	Push(ctx context.Context, clinicID, caseID, clinicianID string) ([]models.QueueEntry, error)
	// Append adds caseID at the back unless it is already queued
	Append(ctx context.Context, clinicID, caseID string) ([]models.QueueEntry, error)
	// Remove deletes caseID and reports whether it was queued
	Remove(ctx context.Context, clinicID, caseID string) ([]models.QueueEntry, bool, error)
	List(ctx context.Context, clinicID string) ([]models.QueueEntry, error)
	// PositionOf returns the zero-based position of caseID, or -1
	PositionOf(ctx context.Context, clinicID, caseID string) (int, error)
}

type clinicQueue struct {
	ids      []string
	enqueued map[string]time.Time
	assigned map[string]string
}

// MemoryQueueStore keeps queues in process memory. Only correct when a single
// server instance serves every clinician.
type MemoryQueueStore struct {
	mu     sync.Mutex
	queues map[string]*clinicQueue
	now    func() time.Time
}

// NewMemoryQueueStore creates an empty in-memory store
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{
		queues: make(map[string]*clinicQueue),
		now:    time.Now,
	}
}

func (s *MemoryQueueStore) queue(clinicID string) *clinicQueue {
	q, ok := s.queues[clinicID]
	if !ok {
		q = &clinicQueue{enqueued: make(map[string]time.Time), assigned: make(map[string]string)}
		s.queues[clinicID] = q
	}
	return q
}

func (s *MemoryQueueStore) Push(ctx context.Context, clinicID, caseID, clinicianID string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(clinicID)
	q.ids = append([]string{caseID}, without(q.ids, caseID)...)
	if _, ok := q.enqueued[caseID]; !ok {
		q.enqueued[caseID] = s.now().UTC()
	}
	if clinicianID != "" {
		q.assigned[caseID] = clinicianID
	}
	return q.snapshot(), nil
}

func (s *MemoryQueueStore) Append(ctx context.Context, clinicID, caseID string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(clinicID)
	if _, ok := q.enqueued[caseID]; !ok {
		q.ids = append(q.ids, caseID)
		q.enqueued[caseID] = s.now().UTC()
	}
	return q.snapshot(), nil
}

func (s *MemoryQueueStore) Remove(ctx context.Context, clinicID, caseID string) ([]models.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(clinicID)
	_, found := q.enqueued[caseID]
	q.ids = without(q.ids, caseID)
	delete(q.enqueued, caseID)
	delete(q.assigned, caseID)
	return q.snapshot(), found, nil
}

func (s *MemoryQueueStore) List(ctx context.Context, clinicID string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue(clinicID).snapshot(), nil
}

func (s *MemoryQueueStore) PositionOf(ctx context.Context, clinicID, caseID string) (int, error) {
	entries, err := s.List(ctx, clinicID)
	if err != nil {
		return -1, err
	}
	return positionIn(entries, caseID), nil
}

func (q *clinicQueue) snapshot() []models.QueueEntry {
	entries := make([]models.QueueEntry, len(q.ids))
	for i, id := range q.ids {
		entries[i] = models.QueueEntry{
			CaseID:            id,
			ClinicianAssigned: q.assigned[id],
			EnqueuedAt:        q.enqueued[id],
			Position:          i,
		}
	}
	return entries
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func positionIn(entries []models.QueueEntry, caseID string) int {
	for _, e := range entries {
		if e.CaseID == caseID {
			return e.Position
		}
	}
	return -1
}
