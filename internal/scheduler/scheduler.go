package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrCycleInProgress is returned by RunOnce when a cycle is already running.
var ErrCycleInProgress = errors.New("scheduler: cycle already in progress")

// TickFunc runs one fetch-detect-notify cycle.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// AlignToStart aligns interval ticks to multiples of the interval.
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler triggers TickFunc on a Spec. At most one cycle runs at a time;
// ticks that arrive while a cycle is in flight are skipped.
type Scheduler struct {
	spec   Spec
	opts   Options
	tick   TickFunc
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	cron    *cron.Cron

	busy atomic.Bool
}

// New constructs a Scheduler instance.
func New(spec Spec, tick TickFunc, opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if spec.IsZero() {
		return nil, &InvalidScheduleError{Err: errors.New("schedule not configured")}
	}
	if tick == nil {
		return nil, errors.New("scheduler: tick func is required")
	}
	return &Scheduler{
		spec:   spec,
		opts:   opts,
		tick:   tick,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Spec returns the immutable schedule.
func (s *Scheduler) Spec() Spec { return s.spec }

// Start begins triggering cycles. Calling Start on a running scheduler is a no-op.
// Cycles run on a context detached from ctx cancellation so Stop never aborts
// in-flight work.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	switch s.spec.Kind() {
	case KindInterval:
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.runInterval(loopCtx)
	case KindCalendar:
		cycleCtx := context.WithoutCancel(ctx)
		c := cron.New(cron.WithParser(cronParser), cron.WithLocation(s.spec.Location()))
		c.Schedule(s.spec.schedule, cron.FuncJob(func() {
			s.fire(cycleCtx, time.Now().In(s.spec.Location()))
		}))
		c.Start()
		s.cron = c
	default:
		return fmt.Errorf("scheduler: unsupported schedule kind %s", s.spec.Kind())
	}

	s.running = true
	s.logger.Info().Str("schedule", s.spec.String()).Msg("scheduler started")
	return nil
}

// Stop halts future ticks. It is idempotent and does not wait for an in-flight cycle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.running = false
	s.logger.Info().Msg("scheduler stopped")
}

// IsRunning reports whether ticks are being scheduled.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce executes a cycle immediately, outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.logger.Info().Msg("running immediate cycle")
	return s.execute(ctx, time.Now())
}

func (s *Scheduler) runInterval(ctx context.Context) {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	cycleCtx := context.WithoutCancel(ctx)
	next := s.nextTick(time.Now())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire(cycleCtx, s.bucketStart(next))
		next = next.Add(s.spec.Interval())
	}
}

func (s *Scheduler) fire(ctx context.Context, tick time.Time) {
	err := s.execute(ctx, tick)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Warn().Time("tick", tick).Msg("previous cycle still running, skipping tick")
	case err != nil:
		s.logger.Error().Err(err).Time("tick", tick).Msg("cycle failed")
	}
}

func (s *Scheduler) execute(ctx context.Context, tick time.Time) (err error) {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer s.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	s.logger.Debug().Time("tick", tick).Msg("executing cycle")
	return s.tick(ctx, tick)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	interval := s.spec.Interval()
	if !s.opts.AlignToStart {
		return now.Add(interval)
	}
	bucket := now.Truncate(interval)
	if !bucket.After(now) {
		bucket = bucket.Add(interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.spec.Interval())
}
