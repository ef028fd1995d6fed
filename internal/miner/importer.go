// Package miner pulls NBP series into the store in gap-free chunks and announces new rows.
package miner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"charon/internal/events"
	"charon/internal/fetcher"
	"charon/internal/metrics"
	"charon/internal/storage"
)

// SourceNBP tags every persisted point.
const SourceNBP = "NBP"

// ErrAlreadyRunning is returned when another importer holds the advisory lock.
var ErrAlreadyRunning = errors.New("miner: another import is running")

// Config tunes the importer.
type Config struct {
	Classes      []fetcher.Class
	ChunkDays    int
	RequestDelay time.Duration
	Topic        string
	LockKey      int64
}

// Options narrow a single run. Nil bounds mean resume-from-last and today.
type Options struct {
	From   *time.Time
	To     *time.Time
	DryRun bool
}

// Report summarises one class of one run.
type Report struct {
	Class        fetcher.Class
	JobID        int64
	RunID        string
	Status       storage.JobStatus
	From         time.Time
	To           time.Time
	StartedAt    time.Time
	Chunks       int
	FailedChunks int
	Quotes       int
	Rows         int64
	DryRun       bool
	Err          error
}

// Importer owns JobRun rows and writes points through the store.
type Importer struct {
	cfg       Config
	source    fetcher.SeriesFetcher
	prices    storage.PriceStore
	jobs      storage.JobStore
	publisher events.Publisher
	metrics   *metrics.Recorder
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an importer. publisher and rec may be nil.
func New(cfg Config, source fetcher.SeriesFetcher, prices storage.PriceStore, jobs storage.JobStore, publisher events.Publisher, rec *metrics.Recorder, logger zerolog.Logger) *Importer {
	if cfg.ChunkDays <= 0 {
		cfg.ChunkDays = 90
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = []fetcher.Class{fetcher.ClassCurrency, fetcher.ClassGold}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	var locker storage.AdvisoryLocker
	if l, ok := prices.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Importer{
		cfg:       cfg,
		source:    source,
		prices:    prices,
		jobs:      jobs,
		publisher: publisher,
		metrics:   rec,
		locker:    locker,
		logger:    logger.With().Str("component", "miner").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		sleep:     sleepCtx,
	}
}

// Run imports every configured class in order. Per-class failures land in the
// reports and their JobRun rows; the returned error is reserved for locking
// and cancellation.
func (m *Importer) Run(ctx context.Context, opts Options) ([]Report, error) {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		m.logger.Info().Msg("skip import because advisory lock held elsewhere")
		return nil, ErrAlreadyRunning
	}
	if unlock != nil {
		defer unlock()
	}

	runID := m.newID()
	reports := make([]Report, 0, len(m.cfg.Classes))
	for _, class := range m.cfg.Classes {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, m.importClass(ctx, class, opts, runID))
	}
	return reports, ctx.Err()
}

func (m *Importer) importClass(ctx context.Context, class fetcher.Class, opts Options, runID string) (report Report) {
	logger := m.logger.With().Str("class", string(class)).Str("run_id", runID).Logger()
	started := m.now()
	report = Report{Class: class, RunID: runID, Status: storage.JobPending, StartedAt: started, DryRun: opts.DryRun}

	if !opts.DryRun {
		id, err := m.jobs.StartJob(ctx, string(class), started)
		if err != nil {
			report.Status = storage.JobFailed
			report.Err = fmt.Errorf("start job: %w", err)
			logger.Error().Err(err).Msg("cannot record job run")
			return report
		}
		report.JobID = id
		defer m.finish(ctx, &report, logger)
	}

	start, end, backfill, err := m.window(ctx, class, opts)
	if err != nil {
		report.Status = storage.JobFailed
		report.Err = err
		return report
	}
	report.From, report.To = start, end

	if start.After(end) {
		report.Status = storage.JobSkipped
		logger.Info().Time("last", start.AddDate(0, 0, -1)).Msg("already up to date")
		return report
	}

	logger.Info().
		Str("from", start.Format(time.DateOnly)).
		Str("to", end.Format(time.DateOnly)).
		Bool("dry_run", opts.DryRun).
		Msg("import started")

	for chunkStart := start; !chunkStart.After(end); {
		chunkEnd := chunkStart.AddDate(0, 0, m.cfg.ChunkDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		if report.Chunks > 0 {
			if err := m.sleep(ctx, m.cfg.RequestDelay); err != nil {
				report.Err = fmt.Errorf("interrupted before %s: %w", chunkStart.Format(time.DateOnly), err)
				break
			}
		}
		report.Chunks++

		quotes, err := m.source.FetchSeries(ctx, class, chunkStart, chunkEnd)
		if err != nil && !errors.Is(err, fetcher.ErrNotFound) {
			if ctx.Err() != nil {
				report.Err = fmt.Errorf("interrupted at %s: %w", chunkStart.Format(time.DateOnly), ctx.Err())
				break
			}
			// later chunks would leave a hole behind the new max date
			report.FailedChunks++
			m.metrics.ChunkFailed(string(class))
			report.Err = fmt.Errorf("chunk %s..%s: %w", chunkStart.Format(time.DateOnly), chunkEnd.Format(time.DateOnly), err)
			logger.Error().Err(err).
				Str("from", chunkStart.Format(time.DateOnly)).
				Str("to", chunkEnd.Format(time.DateOnly)).
				Msg("chunk failed, stopping class")
			break
		}

		report.Quotes += len(quotes)
		if !opts.DryRun {
			rows, err := m.store(ctx, class, quotes)
			report.Rows += rows
			if err != nil {
				report.Err = err
				break
			}
		}
		logger.Debug().
			Str("from", chunkStart.Format(time.DateOnly)).
			Str("to", chunkEnd.Format(time.DateOnly)).
			Int("quotes", len(quotes)).
			Msg("chunk processed")

		chunkStart = chunkEnd.AddDate(0, 0, 1)
	}

	// a failed chunk is a partial fetch; its error is kept on a successful run
	if report.Err != nil && report.FailedChunks == 0 {
		report.Status = storage.JobFailed
	} else {
		report.Status = storage.JobSuccess
	}

	if report.Rows > 0 && !opts.DryRun {
		m.announce(ctx, class, backfill, report, logger)
	}
	return report
}

// window resolves the inclusive date range to request.
func (m *Importer) window(ctx context.Context, class fetcher.Class, opts Options) (start, end time.Time, backfill bool, err error) {
	end = storage.Day(m.now())
	if opts.To != nil {
		end = storage.Day(*opts.To)
	}
	if opts.From != nil {
		return storage.Day(*opts.From), end, true, nil
	}

	last, ok, err := m.prices.LatestDate(ctx, storage.InstrumentKind(class))
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("latest date: %w", err)
	}
	if !ok {
		return class.Epoch(), end, true, nil
	}
	return last.AddDate(0, 0, 1), end, false, nil
}

func (m *Importer) store(ctx context.Context, class fetcher.Class, quotes []fetcher.Quote) (int64, error) {
	var rows int64
	for _, q := range quotes {
		inserted, err := m.prices.UpsertPoint(ctx, storage.PointInput{
			Code:   q.Code,
			Name:   q.Name,
			Kind:   storage.InstrumentKind(class),
			Date:   q.Date,
			Price:  q.Price,
			Source: SourceNBP,
		})
		if err != nil {
			return rows, fmt.Errorf("store %s %s: %w", q.Code, q.Date.Format(time.DateOnly), err)
		}
		if inserted {
			rows++
		}
	}
	return rows, nil
}

func (m *Importer) announce(ctx context.Context, class fetcher.Class, backfill bool, report Report, logger zerolog.Logger) {
	eventType := events.TypeIncremental
	if backfill {
		eventType = events.TypeBackfill
	}
	event := events.Event{
		Type:  eventType,
		Asset: string(class),
		Rows:  report.Rows,
		From:  report.From,
		To:    report.To,
		RunID: report.RunID,
	}
	if err := m.publisher.Publish(ctx, m.cfg.Topic, event); err != nil {
		logger.Warn().Err(err).Msg("publish ingest event failed")
		return
	}
	logger.Debug().Str("topic", m.cfg.Topic).Int64("rows", report.Rows).Msg("ingest event published")
}

// finish writes the terminal JobRun state even when ctx was cancelled.
func (m *Importer) finish(ctx context.Context, report *Report, logger zerolog.Logger) {
	if report.Status == storage.JobPending {
		report.Status = storage.JobFailed
		if report.Err == nil {
			report.Err = errors.New("import aborted")
		}
	}

	finished := m.now()
	run := storage.JobRun{
		ID:          report.JobID,
		Kind:        string(report.Class),
		Status:      report.Status,
		FinishedAt:  &finished,
		RowsWritten: report.Rows,
	}
	if report.Err != nil {
		msg := report.Err.Error()
		run.Error = &msg
	}

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.jobs.FinishJob(finCtx, run); err != nil {
		logger.Error().Err(err).Int64("job_id", report.JobID).Msg("failed to finalise job run")
	}
	m.metrics.ImportFinished(string(report.Class), string(report.Status), report.Rows, finished)

	event := logger.Info()
	if report.Err != nil {
		event = logger.Warn().Err(report.Err)
	}
	event.Str("status", string(report.Status)).
		Int64("rows", report.Rows).
		Int("chunks", report.Chunks).
		Dur("took", finished.Sub(report.StartedAt)).
		Msg("import finished")
}

func (m *Importer) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.cfg.LockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.cfg.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
