package offline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devscreen/internal/models"
)

func newTestSync(t *testing.T, send Sender) (*SyncService, *Queue) {
	t.Helper()
	q := NewQueue(openTestStore(t))
	s, err := NewSyncService(q, send, nil, SyncOptions{})
	if err != nil {
		t.Fatalf("NewSyncService failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, q
}

func TestSyncService_InvalidSchedule(t *testing.T) {
	q := NewQueue(openTestStore(t))
	if _, err := NewSyncService(q, nil, nil, SyncOptions{ReplaySchedule: "every minute"}); err == nil {
		t.Fatal("Expected error for invalid cron expression")
	}
	if err := ValidateSchedule("*/5 * * * *"); err != nil {
		t.Errorf("Expected valid schedule, got %v", err)
	}
}

func TestSyncService_GoingOnlineReplays(t *testing.T) {
	var sent atomic.Int32
	s, q := newTestSync(t, func(ctx context.Context, sub models.Submission) error {
		sent.Add(1)
		return nil
	})
	q.Enqueue(submission("a"))
	q.Enqueue(submission("b"))

	events := make(chan SyncEvent, 8)
	s.OnEvent(func(ev SyncEvent) { events <- ev })

	s.SetOnline(true)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != SyncEventReplayed {
				continue
			}
			if ev.Replayed != 2 || ev.Pending != 0 {
				t.Fatalf("Unexpected replay event: %+v", ev)
			}
			if sent.Load() != 2 {
				t.Errorf("Expected 2 sends, got %d", sent.Load())
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for replay")
		}
	}
}

func TestSyncService_SetOnlineIdempotent(t *testing.T) {
	var calls atomic.Int32
	s, _ := newTestSync(t, func(ctx context.Context, sub models.Submission) error {
		calls.Add(1)
		return nil
	})

	var mu sync.Mutex
	var types []SyncEventType
	s.OnEvent(func(ev SyncEvent) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	s.SetOnline(false)
	s.SetOnline(false)

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 0 {
		t.Errorf("Expected no events without a transition, got %v", types)
	}
}

func TestSyncService_SyncNowReportsFailure(t *testing.T) {
	s, q := newTestSync(t, func(ctx context.Context, sub models.Submission) error {
		return errors.New("connection refused")
	})
	q.Enqueue(submission("a"))

	var got SyncEvent
	s.OnEvent(func(ev SyncEvent) { got = ev })

	sent, err := s.SyncNow(context.Background())
	if err == nil || sent != 0 {
		t.Fatalf("Expected failure with nothing sent, got sent=%d err=%v", sent, err)
	}
	if got.Type != SyncEventReplayFailed || got.Pending != 1 {
		t.Errorf("Unexpected event: %+v", got)
	}
}

func TestSyncService_CloseCancelsAndSilences(t *testing.T) {
	started := make(chan struct{})
	s, q := newTestSync(t, func(ctx context.Context, sub models.Submission) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	q.Enqueue(submission("a"))

	var emitted atomic.Int32
	s.OnEvent(func(ev SyncEvent) {
		if ev.Type != SyncEventOnline {
			emitted.Add(1)
		}
	})

	s.SetOnline(true)
	<-started

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel the in-flight drain")
	}

	if emitted.Load() != 0 {
		t.Errorf("Expected no events after Close, got %d", emitted.Load())
	}
	if _, err := s.SyncNow(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if n, _ := q.Len(); n != 1 {
		t.Errorf("Cancelled item must stay queued, got %d", n)
	}
}

func TestSyncService_NextReplay(t *testing.T) {
	q := NewQueue(openTestStore(t))
	s, err := NewSyncService(q, nil, nil, SyncOptions{ReplaySchedule: "*/15 * * * *"})
	if err != nil {
		t.Fatalf("NewSyncService failed: %v", err)
	}
	defer s.Close()

	from := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	want := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	if got := s.NextReplay(from); !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

type flakyProber struct {
	healthy atomic.Bool
}

func (p *flakyProber) Health(ctx context.Context) error {
	if p.healthy.Load() {
		return nil
	}
	return errors.New("unreachable")
}

func TestSyncService_ProbeDrivesOnlineFlag(t *testing.T) {
	q := NewQueue(openTestStore(t))
	prober := &flakyProber{}
	prober.healthy.Store(true)

	s, err := NewSyncService(q, func(ctx context.Context, sub models.Submission) error { return nil }, prober,
		SyncOptions{ProbeInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSyncService failed: %v", err)
	}
	defer s.Close()

	online := make(chan struct{}, 1)
	s.OnEvent(func(ev SyncEvent) {
		if ev.Type == SyncEventOnline {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-online:
	case <-time.After(5 * time.Second):
		t.Fatal("probe never reported the backend as reachable")
	}
	if !s.Online() {
		t.Error("Expected online after a healthy probe")
	}
}
