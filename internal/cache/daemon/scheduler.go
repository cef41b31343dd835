// Package daemon runs the background side of sync: a periodic scheduler
// that drains the outbox and queues pulls, and a watcher that stages remote
// event files dropped into a directory.
//
// The scheduler:
// 1. Emits sync_started
// 2. Pushes pending ops through the repo, handing the drain to the worker
//    pool for retries when the remote fails
// 3. Submits pull jobs to the worker pool
// 4. Emits sync_finished, or sync_error on any failure or panic
// 5. Waits for the interval, a trigger, or shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/studybuddy/studysync/internal/cache/sync"
	"github.com/studybuddy/studysync/internal/worker"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Syncer is the part of sync.Repo the scheduler drives.
type Syncer interface {
	PushPending(ctx context.Context) (*sync.PushResult, error)
	Online() bool
}

// Submitter queues background jobs.
type Submitter interface {
	Submit(jobType string, payload any, opts ...worker.Option) error
}

// Config holds configuration for the scheduler.
type Config struct {
	// Interval is the wait between cycles
	Interval time.Duration

	// Provider is the calendar provider pulled each cycle (empty = none)
	Provider string

	// Notifier receives lifecycle notifications
	Notifier sync.Notifier

	// Logger for scheduler activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Provider: "google",
		Logger:   slog.Default(),
	}
}

// Stats describes the last finished cycle.
type Stats struct {
	Cycles    int             `json:"cycles"`
	LastRun   time.Time       `json:"last_run"`
	LastError string          `json:"last_error,omitempty"`
	LastPush  sync.PushResult `json:"last_push"`
}

// Scheduler periodically drains the outbox and queues pulls.
type Scheduler struct {
	repo   Syncer
	pool   Submitter
	config *Config
	logger *slog.Logger

	trigger chan struct{}

	mu      gosync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	stats   Stats
}

// NewScheduler creates a scheduler. pool may be nil, in which case no pull
// jobs are queued.
func NewScheduler(repo Syncer, pool Submitter, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:    repo,
		pool:    pool,
		config:  config,
		logger:  logger.With("component", "scheduler"),
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the sync loop. The first cycle runs immediately. The loop
// ends on Stop or when ctx is cancelled; cycles themselves run on a context
// that is never cancelled, so an in-flight remote call always completes.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.Info("starting scheduler", "interval", s.config.Interval, "provider", s.config.Provider)
	go s.loop(ctx, s.stop, s.done)
	return nil
}

// Stop ends the loop and blocks until the running cycle, if any, finishes.
// Safe to call from any goroutine and more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	close(stop)
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
}

// TriggerNow cuts the current wait short. It never blocks; triggers that
// arrive while a cycle is running coalesce into one extra cycle.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	cycleCtx := context.WithoutCancel(ctx)

	timer := time.NewTimer(s.config.Interval)
	defer timer.Stop()

	for {
		s.RunCycle(cycleCtx)

		timer.Reset(s.config.Interval)
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-timer.C:
		}
	}
}

// RunCycle performs one sync cycle synchronously and returns its error.
// Panics are recovered and reported like errors.
func (s *Scheduler) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
		s.finish(err)
	}()

	s.emit(sync.KindSyncStarted, nil)

	res, err := s.repo.PushPending(ctx)
	if res != nil {
		s.mu.Lock()
		s.stats.LastPush = *res
		s.mu.Unlock()
	}
	if err != nil {
		if s.pool != nil && errors.Is(err, sync.ErrRemote) {
			// The pool retries the drain on its backoff.
			if qerr := s.pool.Submit(JobPushPending, nil); qerr != nil {
				s.logger.Warn("failed to queue push retry", "error", qerr)
			}
		}
		return err
	}

	if s.pool != nil {
		if s.config.Provider != "" {
			if err := s.pool.Submit(JobSyncAppEvents, s.config.Provider); err != nil {
				return fmt.Errorf("failed to queue event pull: %w", err)
			}
		}
		if s.repo.Online() {
			if err := s.pool.Submit(JobPullTasks, nil); err != nil {
				return fmt.Errorf("failed to queue task pull: %w", err)
			}
		}
	}
	return nil
}

func (s *Scheduler) finish(err error) {
	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastRun = time.Now()
	s.stats.LastError = ""
	if err != nil {
		s.stats.LastError = err.Error()
	}
	push := s.stats.LastPush
	s.mu.Unlock()

	if err != nil {
		level := slog.LevelWarn
		if !errors.Is(err, sync.ErrRemote) {
			level = slog.LevelError
		}
		s.logger.Log(context.Background(), level, "sync cycle failed", "error", err)
		s.emit(sync.KindSyncError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Debug("sync cycle finished", "pushed", push.Pushed, "remaining", push.Remaining)
	s.emit(sync.KindSyncFinished, push)
}

func (s *Scheduler) emit(kind string, data any) {
	if s.config.Notifier == nil {
		return
	}
	s.config.Notifier.Notify(sync.Notification{Kind: kind, Time: time.Now().UTC(), Data: data})
}
