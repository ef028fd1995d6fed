package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron runs named jobs on standard 5-field cron expressions in UTC.
// Overlapping firings of the same job are skipped.
type Cron struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewCron constructs an empty cron runner.
func NewCron(logger zerolog.Logger) *Cron {
	l := logger.With().Str("component", "cron").Logger()
	adapter := cronLogger{logger: l}
	return &Cron{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: l,
	}
}

// Add registers tick under spec. ctx is passed to every firing.
func (c *Cron) Add(ctx context.Context, spec, name string, tick TickFunc) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse cron %q for %s: %w", spec, name, err)
	}
	id := c.cron.Schedule(schedule, cron.FuncJob(func() {
		at := time.Now().UTC()
		if err := tick(ctx, at); err != nil {
			c.logger.Error().Err(err).Str("job", name).Msg("cron job failed")
		}
	}))
	c.logger.Info().
		Str("job", name).
		Str("spec", spec).
		Time("next", schedule.Next(time.Now().UTC())).
		Int("entry", int(id)).
		Msg("cron job registered")
	return nil
}

// Entries reports the number of registered jobs.
func (c *Cron) Entries() int {
	return len(c.cron.Entries())
}

// Run starts the cron loop and blocks until ctx is cancelled and running jobs finish.
func (c *Cron) Run(ctx context.Context) error {
	c.cron.Start()
	<-ctx.Done()
	<-c.cron.Stop().Done()
	return ctx.Err()
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

var _ cron.Logger = cronLogger{}
