package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

const (
	DefaultReplaySchedule = "*/1 * * * *"
	DefaultProbeInterval  = 15 * time.Second
)

// ErrClosed is returned by operations on a closed SyncService
var ErrClosed = errors.New("sync service closed")

// SyncEventType names what happened in a SyncEvent
type SyncEventType string

const (
	SyncEventOnline       SyncEventType = "online"
	SyncEventOffline      SyncEventType = "offline"
	SyncEventReplayed     SyncEventType = "replayed"
	SyncEventReplayFailed SyncEventType = "replay_failed"
)

// SyncEvent is emitted on connectivity changes and after each replay pass
type SyncEvent struct {
	Type     SyncEventType `json:"type"`
	Replayed int           `json:"replayed"`
	Pending  int           `json:"pending"`
	Err      error         `json:"-"`
	At       time.Time     `json:"at"`
}

// Prober checks whether the backend is reachable
type Prober interface {
	Health(ctx context.Context) error
}

// SyncOptions configures the background jobs
type SyncOptions struct {
	ReplaySchedule string        // standard 5-field cron expression
	ProbeInterval  time.Duration // zero disables probing
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SyncService owns the online flag and replays the queue when connectivity
// returns, on a cron schedule, or on demand. Close cancels any in-flight drain,
// stops the jobs, and no event is emitted afterwards.
type SyncService struct {
	queue     *Queue
	send      Sender
	prober    Prober
	scheduler gocron.Scheduler
	schedule  cron.Schedule
	opts      SyncOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	online  bool
	closed  bool
	started bool
	handler func(SyncEvent)
}

// NewSyncService creates a sync service. The schedule is validated here.
func NewSyncService(queue *Queue, send Sender, prober Prober, opts SyncOptions) (*SyncService, error) {
	if opts.ReplaySchedule == "" {
		opts.ReplaySchedule = DefaultReplaySchedule
	}
	schedule, err := cronParser.Parse(opts.ReplaySchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid replay schedule %q: %w", opts.ReplaySchedule, err)
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SyncService{
		queue:     queue,
		send:      send,
		prober:    prober,
		scheduler: scheduler,
		schedule:  schedule,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// OnEvent registers the event callback. It is called from background goroutines.
func (s *SyncService) OnEvent(fn func(SyncEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Start registers the replay and probe jobs and starts the scheduler
func (s *SyncService) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	_, err := s.scheduler.NewJob(
		gocron.CronJob(s.opts.ReplaySchedule, false),
		gocron.NewTask(func() {
			if !s.Online() {
				return
			}
			s.SyncNow(s.ctx)
		}),
		gocron.WithName("replay"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register replay job: %w", err)
	}

	if s.prober != nil && s.opts.ProbeInterval > 0 {
		_, err = s.scheduler.NewJob(
			gocron.DurationJob(s.opts.ProbeInterval),
			gocron.NewTask(s.probe),
			gocron.WithName("probe"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return fmt.Errorf("failed to register probe job: %w", err)
		}
	}

	s.scheduler.Start()
	log.Printf("✅ [SYNC] Background sync started (replay %q, probe every %s)", s.opts.ReplaySchedule, s.opts.ProbeInterval)
	return nil
}

// Online reports the current connectivity flag
func (s *SyncService) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline updates the connectivity flag. A false to true transition starts a
// replay in the background.
func (s *SyncService) SetOnline(online bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	was := s.online
	s.online = online
	if !was && online {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if was == online {
		return
	}

	if online {
		log.Printf("🌐 [SYNC] Connectivity restored, replaying queue")
		s.emit(SyncEvent{Type: SyncEventOnline})
		go func() {
			defer s.wg.Done()
			s.SyncNow(s.ctx)
		}()
		return
	}

	log.Printf("📴 [SYNC] Connectivity lost, results will be computed offline")
	s.emit(SyncEvent{Type: SyncEventOffline})
}

// SyncNow drains the queue once. It is safe to call concurrently with the
// background jobs; drains are serialized by the queue.
func (s *SyncService) SyncNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	sent, err := s.queue.Drain(ctx, s.send)
	pending, lenErr := s.queue.Len()
	if lenErr != nil {
		log.Printf("⚠️  [SYNC] Failed to count queue: %v", lenErr)
	}

	if err != nil {
		if s.ctx.Err() == nil {
			log.Printf("⚠️  [SYNC] Replay stopped after %d submissions: %v", sent, err)
		}
		s.emit(SyncEvent{Type: SyncEventReplayFailed, Replayed: sent, Pending: pending, Err: err})
		return sent, err
	}

	if sent > 0 {
		log.Printf("✅ [SYNC] Replayed %d queued submissions", sent)
	}
	s.emit(SyncEvent{Type: SyncEventReplayed, Replayed: sent, Pending: pending})
	return sent, nil
}

// NextReplay returns the next scheduled replay after from
func (s *SyncService) NextReplay(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Close stops the jobs, cancels any in-flight drain and waits for background
// replays to return. Safe to call more than once.
func (s *SyncService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handler = nil
	s.mu.Unlock()

	s.cancel()
	err := s.scheduler.Shutdown()
	s.wg.Wait()
	return err
}

func (s *SyncService) probe() {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	s.SetOnline(s.prober.Health(ctx) == nil)
}

func (s *SyncService) emit(ev SyncEvent) {
	s.mu.Lock()
	h := s.handler
	closed := s.closed
	s.mu.Unlock()

	if closed || h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h(ev)
}

// ValidateSchedule reports whether expr is a valid replay schedule
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
