// Package worker runs background jobs on a fixed set of goroutines.
//
// Jobs are dispatched by type to registered handlers. A failing job is
// retried on a timer with a growing delay until its attempts run out, at
// which point the pool's failure callback receives it. Retries never block
// a pool goroutine: the delay is spent on a timer, not in a handler slot.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrUnknownJob is reported for jobs whose type has no handler.
	ErrUnknownJob = errors.New("unknown job type")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Handler processes one job payload.
type Handler func(ctx context.Context, payload any) error

// FailureFunc receives jobs that exhausted their attempts.
type FailureFunc func(jobType string, payload any, err error)

// Config holds configuration for the pool.
type Config struct {
	// Size is the number of worker goroutines
	Size int

	// Attempts is the default number of runs per job
	Attempts int

	// Backoff is the default retry factor. The first retry waits Backoff
	// seconds and every further retry multiplies the delay by Backoff.
	Backoff float64

	// QueueSize bounds jobs waiting for a free worker
	QueueSize int

	// OnFailure is called for jobs that failed their final attempt
	OnFailure FailureFunc

	// Logger for pool activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Size:      4,
		Attempts:  3,
		Backoff:   1.5,
		QueueSize: 256,
		Logger:    slog.Default(),
	}
}

// Option adjusts a single submission.
type Option func(*job)

// WithAttempts sets the number of runs for a job, including the first.
func WithAttempts(n int) Option {
	return func(j *job) {
		if n > 0 {
			j.attempts = n
		}
	}
}

// WithBackoff sets the retry factor for a job.
func WithBackoff(b float64) Option {
	return func(j *job) {
		if b > 0 {
			j.backoff = b
		}
	}
}

type job struct {
	jobType  string
	payload  any
	attempts int     // runs left, including the next one
	backoff  float64 // retry factor
	delay    float64 // seconds waited before the last retry, 0 before the first
	run      int
}

// timer is the part of *time.Timer the pool needs.
type timer interface {
	Stop() bool
}

// Pool is a fixed-size retrying worker pool.
type Pool struct {
	config *Config
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	jobs chan *job

	// afterFunc schedules retries. Replaced in tests.
	afterFunc func(d time.Duration, f func()) timer

	timersMu sync.Mutex
	timers   map[timer]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool and starts its workers.
func New(config *Config) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Size <= 0 {
		config.Size = defaults.Size
	}
	if config.Attempts <= 0 {
		config.Attempts = defaults.Attempts
	}
	if config.Backoff <= 0 {
		config.Backoff = defaults.Backoff
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:   config,
		logger:   logger.With("component", "worker"),
		handlers: make(map[string]Handler),
		jobs:     make(chan *job, config.QueueSize),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		timers: make(map[timer]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(config.Size)
	for i := 0; i < config.Size; i++ {
		go p.work()
	}
	return p
}

// Register binds a handler to a job type, replacing any previous one.
func (p *Pool) Register(jobType string, h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[jobType] = h
}

// Submit queues a job. It blocks while the queue is full.
func (p *Pool) Submit(jobType string, payload any, opts ...Option) error {
	j := &job{
		jobType:  jobType,
		payload:  payload,
		attempts: p.config.Attempts,
		backoff:  p.config.Backoff,
	}
	for _, opt := range opts {
		opt(j)
	}
	return p.enqueue(j)
}

func (p *Pool) enqueue(j *job) error {
	select {
	case <-p.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case p.jobs <- j:
		return nil
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// Close stops the workers and drops pending retries. Jobs still queued are
// discarded. A handler that is running when Close is called sees its context
// cancelled and Close waits for it to return.
func (p *Pool) Close() {
	p.timersMu.Lock()
	if p.closed {
		p.timersMu.Unlock()
		return
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	p.timersMu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.jobs:
			p.process(j)
		}
	}
}

func (p *Pool) process(j *job) {
	j.run++
	err := p.execute(j)
	if err == nil {
		p.logger.Debug("job done", "job_type", j.jobType, "run", j.run)
		return
	}

	if errors.Is(err, ErrUnknownJob) || j.attempts <= 1 {
		p.logger.Error("job failed", "job_type", j.jobType, "run", j.run, "error", err)
		if p.config.OnFailure != nil {
			p.config.OnFailure(j.jobType, j.payload, err)
		}
		return
	}

	if j.delay == 0 {
		j.delay = j.backoff
	} else {
		j.delay *= j.backoff
	}
	j.attempts--
	wait := time.Duration(j.delay * float64(time.Second))
	p.logger.Warn("job failed, retrying", "job_type", j.jobType, "run", j.run, "retry_in", wait, "error", err)
	p.schedule(wait, j)
}

// execute runs the handler for j, converting a panic into an error.
func (p *Pool) execute(j *job) (err error) {
	p.handlersMu.RLock()
	h, ok := p.handlers[j.jobType]
	p.handlersMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, j.jobType)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.jobType, r)
		}
	}()
	return h(p.ctx, j.payload)
}

func (p *Pool) schedule(wait time.Duration, j *job) {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	if p.closed {
		return
	}

	var t timer
	t = p.afterFunc(wait, func() {
		p.timersMu.Lock()
		if p.timers != nil {
			delete(p.timers, t)
		}
		p.timersMu.Unlock()
		if err := p.enqueue(j); err != nil {
			p.logger.Debug("retry dropped", "job_type", j.jobType, "error", err)
		}
	})
	p.timers[t] = struct{}{}
}
