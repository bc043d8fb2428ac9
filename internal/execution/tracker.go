package execution

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrDraining is returned by Acquire callers once Drain has been called
var ErrDraining = errors.New("pipeline is shutting down")

// RunTracker counts in-flight pipeline runs so the local store is not closed
// under them. After Drain no new run is admitted.
type RunTracker struct {
	wg       sync.WaitGroup
	mu       sync.RWMutex
	draining bool
	active   int
}

func NewRunTracker() *RunTracker {
	return &RunTracker{}
}

// Acquire registers a run. It returns false once draining.
func (t *RunTracker) Acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.active++
	t.wg.Add(1)
	return true
}

// Release marks a run as finished
func (t *RunTracker) Release() {
	t.mu.Lock()
	t.active--
	t.mu.Unlock()
	t.wg.Done()
}

// Active returns the number of runs in flight
func (t *RunTracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Drain stops admitting runs and waits up to timeout for active ones.
// It reports whether every run finished in time.
func (t *RunTracker) Drain(timeout time.Duration) bool {
	t.mu.Lock()
	t.draining = true
	active := t.active
	t.mu.Unlock()

	if active == 0 {
		return true
	}
	log.Printf("🔄 [ENGINE] Waiting for %d pipeline runs (timeout: %s)...", active, timeout)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ [ENGINE] All pipeline runs completed")
		return true
	case <-time.After(timeout):
		log.Println("⚠️ [ENGINE] Drain timeout reached, pipeline runs may be interrupted")
		return false
	}
}

// IsDraining reports whether Drain has been called
func (t *RunTracker) IsDraining() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.draining
}
