package hitl

import (
	"log"
	"sync"

	"devscreen/internal/models"
)

// Registry tracks the clinician sessions connected to this instance, grouped
// by clinic
type Registry struct {
	clinics map[string]map[string]*models.ClientSession
	mutex   sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		clinics: make(map[string]map[string]*models.ClientSession),
	}
}

// Add registers a session
func (r *Registry) Add(s *models.ClientSession) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sessions, ok := r.clinics[s.ClinicID]
	if !ok {
		sessions = make(map[string]*models.ClientSession)
		r.clinics[s.ClinicID] = sessions
	}
	sessions[s.ClientID] = s
	log.Printf("✅ [HITL] Session added: %s in clinic %s (clinic total: %d)", s.ClientID, s.ClinicID, len(sessions))
}

// Remove unregisters a session and closes its outbound channel. It reports
// whether the session was registered.
func (r *Registry) Remove(s *models.ClientSession) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sessions, ok := r.clinics[s.ClinicID]
	if !ok {
		return false
	}
	if _, exists := sessions[s.ClientID]; !exists {
		return false
	}

	delete(sessions, s.ClientID)
	if len(sessions) == 0 {
		delete(r.clinics, s.ClinicID)
	}
	s.Close()
	log.Printf("❌ [HITL] Session removed: %s in clinic %s (clinic total: %d)", s.ClientID, s.ClinicID, len(sessions))
	return true
}

// Snapshot returns the sessions of one clinic. Broadcasts iterate the copy so
// no lock is held while sending.
func (r *Registry) Snapshot(clinicID string) []*models.ClientSession {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	sessions := r.clinics[clinicID]
	out := make([]*models.ClientSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of sessions across all clinics
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	n := 0
	for _, sessions := range r.clinics {
		n += len(sessions)
	}
	return n
}

// CloseAll removes every session
func (r *Registry) CloseAll() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for clinicID, sessions := range r.clinics {
		for _, s := range sessions {
			s.Close()
		}
		delete(r.clinics, clinicID)
	}
}
