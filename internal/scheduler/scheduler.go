package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per cycle.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval       time.Duration
	AlignToStart   bool
	RunImmediately bool
	StartupDelay   time.Duration
	// ErrorBackoff replaces the interval after a failed or panicking tick. Zero keeps the interval.
	ErrorBackoff time.Duration
}

// Scheduler drives periodic execution of monitoring cycles.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval returns the configured cycle interval.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// Run blocks, invoking tick every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	var next time.Time
	if s.opts.RunImmediately {
		next = time.Now().UTC()
	} else {
		next = s.nextTick(time.Now().UTC())
	}

	for {
		delay := time.Until(next)
		if delay > 0 {
			s.logger.Debug().Time("next_run", next).Msg("waiting for next cycle")
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now().UTC()
		at := s.bucketStart(started)
		if err := s.safeTick(ctx, tick, at); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Time("at", at).Msg("cycle failed")
			if s.opts.ErrorBackoff > 0 {
				next = time.Now().UTC().Add(s.opts.ErrorBackoff)
				continue
			}
		}

		next = s.nextStart(started, time.Now().UTC())
	}
}

// nextStart schedules the cycle after one that began at started. Intervals are
// measured between cycle starts; slots that passed while the cycle ran are skipped.
func (s *Scheduler) nextStart(started, now time.Time) time.Time {
	next := s.nextTick(started)
	if next.After(now) {
		return next
	}
	missed := now.Sub(next)/s.opts.Interval + 1
	skipped := next.Add(missed * s.opts.Interval)
	s.logger.Warn().
		Dur("cycle", now.Sub(started)).
		Int64("skipped", int64(missed)).
		Msg("cycle overran the interval")
	return skipped
}

func (s *Scheduler) safeTick(ctx context.Context, tick TickFunc, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("stack", string(debug.Stack())).Msg("cycle panicked")
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return tick(ctx, at)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
