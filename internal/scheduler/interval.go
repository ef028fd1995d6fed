package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every firing; at is the scheduled slot.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune the interval scheduler.
type Options struct {
	Interval time.Duration
	// Align fires on wall-clock multiples of Interval (UTC).
	Align          bool
	StartupDelay   time.Duration
	RunImmediately bool
}

// Interval drives a periodic job, one run at a time.
type Interval struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewInterval constructs an interval scheduler.
func NewInterval(opts Options, logger zerolog.Logger) (*Interval, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	return &Interval{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run blocks until ctx is cancelled. A slow tick delays the next slot instead of overlapping it.
func (s *Interval) Run(ctx context.Context, name string, tick TickFunc) error {
	logger := s.logger.With().Str("job", name).Logger()

	if s.opts.StartupDelay > 0 {
		if err := wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.RunImmediately {
		s.fire(ctx, logger, s.now(), tick)
	}

	next := s.nextTick(s.now())
	for {
		if delay := next.Sub(s.now()); delay < 0 {
			// overran one or more slots
			next = s.nextTick(s.now())
		}
		logger.Debug().Time("next", next).Msg("waiting for next slot")
		if err := wait(ctx, next.Sub(s.now())); err != nil {
			return err
		}

		s.fire(ctx, logger, s.slot(next), tick)
		next = next.Add(s.opts.Interval)
	}
}

func (s *Interval) fire(ctx context.Context, logger zerolog.Logger, at time.Time, tick TickFunc) {
	started := time.Now()
	if err := tick(ctx, at); err != nil {
		logger.Error().Err(err).Time("slot", at).Msg("scheduled run failed")
		return
	}
	logger.Debug().Time("slot", at).Dur("took", time.Since(started)).Msg("scheduled run finished")
}

func (s *Interval) nextTick(now time.Time) time.Time {
	if !s.opts.Align {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func (s *Interval) slot(t time.Time) time.Time {
	if !s.opts.Align {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
