package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/metrics"
)

// ErrTaskPanicked wraps a value recovered from a panicking task
var ErrTaskPanicked = errors.New("task panicked")

// TaskID identifies a scheduled task within one Scheduler
type TaskID uint64

// TaskFunc is the body of a deferred task
type TaskFunc func(ctx context.Context, input any) (any, error)

// Outcome is emitted exactly once for every task that was dequeued
type Outcome struct {
	TaskID   TaskID
	Success  bool
	Result   any
	Err      error
	Started  time.Time
	Finished time.Time
}

// Config controls pacing. RequestsPerInterval is reported in Stats and the
// metrics gauge but not enforced: the tick already starts at most one task.
type Config struct {
	ConcurrencyLimit    int
	RequestsPerInterval int
	Interval            time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit:    100,
		RequestsPerInterval: 100,
		Interval:            time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = d.ConcurrencyLimit
	}
	if c.RequestsPerInterval <= 0 {
		c.RequestsPerInterval = d.RequestsPerInterval
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	QueueDepth          int           `json:"queueDepth"`
	Running             int           `json:"runningTasks"`
	ConcurrencyLimit    int           `json:"concurrencyLimit"`
	RequestsPerInterval int           `json:"requestsPerInterval"`
	Interval            time.Duration `json:"interval"`
}

type Option func(*Scheduler)

// WithClock sets the clock driving the tick loop
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics toggles prometheus reporting (on by default)
func WithMetrics(enabled bool) Option {
	return func(s *Scheduler) { s.metrics = enabled }
}

// Scheduler runs queued tasks on a fixed tick. Each tick starts at most one
// task, and only while fewer than ConcurrencyLimit tasks are running.
type Scheduler struct {
	cfg     Config
	clock   clock.Clock
	logger  *logging.Logger
	metrics bool

	mu      sync.Mutex
	queue   taskQueue
	running int
	nextID  TaskID
	ctx     context.Context
	ticking bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}

	listenersMu sync.RWMutex
	listeners   []func(Outcome)

	// emitMu serializes listener delivery so outcomes never interleave
	emitMu sync.Mutex
}

func New(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		clock:   clock.New(),
		logger:  logging.Default(),
		metrics: true,
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics {
		metrics.UpdateRequestsPerInterval(s.cfg.RequestsPerInterval)
	}
	return s
}

// Config returns the effective configuration
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Schedule enqueues execute(input) and starts the tick loop if needed.
// It never blocks and never fails.
func (s *Scheduler) Schedule(execute TaskFunc, input any) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.queue.push(&task{id: id, execute: execute, input: input})
	s.ensureRunningLocked()
	s.reportLocked()
	return id
}

// ScheduleTask is a typed wrapper around Schedule
func ScheduleTask[In, Out any](s *Scheduler, fn func(context.Context, In) (Out, error), input In) TaskID {
	return s.Schedule(func(ctx context.Context, in any) (any, error) {
		v, _ := in.(In)
		return fn(ctx, v)
	}, input)
}

// OnTaskComplete registers a listener invoked once per outcome, in
// completion order
func (s *Scheduler) OnTaskComplete(fn func(Outcome)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start begins ticking. ctx becomes the context handed to tasks; it is
// not cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx != nil {
		s.ctx = ctx
	}
	s.stopped = false
	s.ensureRunningLocked()
}

// Stop halts the tick loop and waits for it to exit. Running tasks are not
// cancelled and still emit outcomes; queued tasks stay queued.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if !s.ticking {
		s.mu.Unlock()
		return
	}
	s.ticking = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		QueueDepth:          s.queue.len(),
		Running:             s.running,
		ConcurrencyLimit:    s.cfg.ConcurrencyLimit,
		RequestsPerInterval: s.cfg.RequestsPerInterval,
		Interval:            s.cfg.Interval,
	}
}

// ensureRunningLocked creates the ticker synchronously so a mock clock
// advanced right after Schedule returns is observed by the loop
func (s *Scheduler) ensureRunningLocked() {
	if s.ticking || s.stopped {
		return
	}
	s.ticking = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	ticker := s.clock.Ticker(s.cfg.Interval)
	go s.loop(ticker, s.stop, s.done)
}

func (s *Scheduler) loop(ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running >= s.cfg.ConcurrencyLimit || s.queue.len() == 0 {
		s.mu.Unlock()
		return
	}
	t := s.queue.pop()
	s.running++
	ctx := s.ctx
	s.reportLocked()
	s.mu.Unlock()

	go s.run(ctx, t)
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	out := Outcome{TaskID: t.id, Started: s.clock.Now()}

	func() {
		defer func() {
			if r := recover(); r != nil {
				out.Result = nil
				out.Err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			}
		}()
		out.Result, out.Err = t.execute(ctx, t.input)
	}()

	out.Success = out.Err == nil
	out.Finished = s.clock.Now()

	s.mu.Lock()
	s.running--
	s.reportLocked()
	s.mu.Unlock()

	if s.metrics {
		metrics.RecordTask(out.Success)
	}
	if !out.Success {
		s.logger.Plain().
			WithField("task_id", uint64(out.TaskID)).
			WithError(out.Err).
			Debug("Task failed")
	}
	s.emit(out)
}

func (s *Scheduler) emit(out Outcome) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.listenersMu.RLock()
	listeners := slices.Clone(s.listeners)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		s.deliver(fn, out)
	}
}

func (s *Scheduler) deliver(fn func(Outcome), out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Plain().
				WithField("task_id", uint64(out.TaskID)).
				WithField("panic", fmt.Sprint(r)).
				Error("Task completion listener panicked")
		}
	}()
	fn(out)
}

func (s *Scheduler) reportLocked() {
	if s.metrics {
		metrics.UpdateScheduler(s.queue.len(), s.running)
	}
}
