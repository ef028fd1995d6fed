package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"charon/internal/alerting"
	"charon/internal/cache"
	"charon/internal/events"
	"charon/internal/metrics"
	"charon/internal/scheduler"
	"charon/internal/storage"
	"charon/internal/strategy"
)

// ErrUnknownAsset is returned when an asset has no stored points.
var ErrUnknownAsset = errors.New("service: unknown asset")

// Config tunes signal recomputation.
type Config struct {
	Params      strategy.Params
	HorizonDays int
	Concurrency int
	Topic       string
}

// Service recomputes signals from stored series and dispatches alerts.
type Service struct {
	cfg        Config
	prices     storage.PriceStore
	signals    storage.SignalStore
	series     *cache.Reader
	notifier   alerting.Notifier
	subscriber events.Subscriber
	scheduler  *scheduler.Interval
	metrics    *metrics.Recorder
	logger     zerolog.Logger

	flight singleflight.Group
	now    func() time.Time
}

// New constructs the signal service. series, notifier, subscriber and rec may be nil.
func New(cfg Config, prices storage.PriceStore, signals storage.SignalStore, series *cache.Reader, notifier alerting.Notifier, subscriber events.Subscriber, sched *scheduler.Interval, rec *metrics.Recorder, logger zerolog.Logger) *Service {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if series == nil {
		series = cache.NewReader(prices, nil)
	}

	return &Service{
		cfg:        cfg,
		prices:     prices,
		signals:    signals,
		series:     series,
		notifier:   notifier,
		subscriber: subscriber,
		scheduler:  sched,
		metrics:    rec,
		logger:     logger.With().Str("component", "service").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run listens for ingest events and recomputes periodically until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.subscriber != nil {
		g.Go(func() error {
			s.listen(ctx)
			return nil
		})
	}
	g.Go(func() error {
		return s.scheduler.Run(ctx, "recompute", func(ctx context.Context, _ time.Time) error {
			return s.RecomputeAll(ctx)
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) listen(ctx context.Context) {
	logger := s.logger.With().Str("topic", s.cfg.Topic).Logger()
	logger.Info().Msg("subscribing to ingest events")

	err := s.subscriber.Subscribe(ctx, s.cfg.Topic, s.HandleEvent)
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, events.ErrNoTransport):
		logger.Info().Msg("no event transport, periodic recompute only")
	case err != nil:
		logger.Warn().Err(err).Msg("subscription failed, periodic recompute only")
	default:
		logger.Warn().Msg("subscription ended, periodic recompute only")
	}
}

// HandleEvent invalidates the cached series in scope and recomputes them.
func (s *Service) HandleEvent(ctx context.Context, event events.Event) error {
	codes, err := s.resolve(ctx, event.Asset)
	if err != nil {
		return err
	}

	logger := s.logger.With().
		Str("event", event.Type).
		Str("asset", event.Asset).
		Str("run_id", event.RunID).
		Int64("rows", event.Rows).
		Logger()

	var invalidateErr error
	if strings.EqualFold(event.Asset, events.AssetAll) {
		invalidateErr = s.series.Invalidate(ctx)
	} else {
		invalidateErr = s.series.Invalidate(ctx, codes...)
	}
	if invalidateErr != nil {
		logger.Warn().Err(invalidateErr).Msg("cache invalidation failed")
	}
	// in-flight evaluations may have read the series before this ingest
	for _, code := range codes {
		s.flight.Forget(code)
	}

	logger.Info().Int("assets", len(codes)).Msg("ingest event received")
	return s.recomputeCodes(ctx, codes)
}

// resolve maps an event scope to instrument codes: ALL, an instrument kind or a single code.
func (s *Service) resolve(ctx context.Context, asset string) ([]string, error) {
	scope := strings.TrimSpace(asset)
	if scope == "" || strings.EqualFold(scope, events.AssetAll) {
		return s.activeCodes(ctx, "")
	}
	switch kind := storage.InstrumentKind(strings.ToLower(scope)); kind {
	case storage.KindCurrency, storage.KindGold:
		return s.activeCodes(ctx, kind)
	}
	return []string{strings.ToUpper(scope)}, nil
}

func (s *Service) activeCodes(ctx context.Context, kind storage.InstrumentKind) ([]string, error) {
	instruments, err := s.prices.ListInstruments(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	codes := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if kind != "" && inst.Kind != kind {
			continue
		}
		codes = append(codes, inst.Code)
	}
	return codes, nil
}

// RecomputeAll recomputes every active instrument.
func (s *Service) RecomputeAll(ctx context.Context) error {
	codes, err := s.activeCodes(ctx, "")
	if err != nil {
		return err
	}
	return s.recomputeCodes(ctx, codes)
}

// recomputeCodes fans out with bounded concurrency. Per-asset failures are
// logged; only cancellation is returned.
func (s *Service) recomputeCodes(ctx context.Context, codes []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, code := range codes {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := s.RecomputeAsset(gctx, code); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				event := s.logger.Warn()
				if errors.Is(err, strategy.ErrInsufficientData) {
					event = s.logger.Debug()
				}
				event.Err(err).Str("asset", code).Msg("recompute skipped")
			}
			return nil
		})
	}
	return g.Wait()
}

// RecomputeAsset evaluates the full stored series of code and appends a signal.
// Concurrent calls for the same code share one evaluation until HandleEvent
// forgets it. The signal is stamped with the time its series was read.
func (s *Service) RecomputeAsset(ctx context.Context, code string) (storage.Signal, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	v, err, _ := s.flight.Do(code, func() (interface{}, error) {
		return s.recompute(ctx, code)
	})
	if err != nil {
		return storage.Signal{}, err
	}
	return v.(storage.Signal), nil
}

func (s *Service) recompute(ctx context.Context, code string) (storage.Signal, error) {
	started := s.now()
	points, err := s.series.ReadSeries(ctx, code)
	if err != nil {
		s.metrics.RecomputeFailed("read")
		return storage.Signal{}, fmt.Errorf("read series %s: %w", code, err)
	}
	if len(points) == 0 {
		s.metrics.RecomputeFailed("unknown")
		return storage.Signal{}, fmt.Errorf("%s: %w", code, ErrUnknownAsset)
	}

	snap, err := strategy.Evaluate(storage.Prices(points), s.cfg.Params)
	if err != nil {
		if errors.Is(err, strategy.ErrInsufficientData) {
			s.metrics.RecomputeFailed("insufficient_data")
			return storage.Signal{}, fmt.Errorf("%s with %d points: %w", code, len(points), err)
		}
		s.metrics.RecomputeFailed("evaluate")
		return storage.Signal{}, fmt.Errorf("evaluate %s: %w", code, err)
	}

	signal, err := s.signals.InsertSignal(ctx, storage.Signal{
		AssetCode:   code,
		GeneratedAt: started,
		AsOf:        points[len(points)-1].Date,
		Verdict:     string(snap.Verdict),
		MACD:        snap.MACD,
		SignalLine:  snap.SignalLine,
		Histogram:   snap.Histogram,
		RSI:         snap.RSI,
		Price:       snap.Price,
		HorizonDays: s.cfg.HorizonDays,
	})
	if err != nil {
		s.metrics.RecomputeFailed("persist")
		return storage.Signal{}, fmt.Errorf("insert signal %s: %w", code, err)
	}

	s.metrics.SignalRecorded(code, signal.Verdict, signal.Price, s.now().Sub(started))
	s.logger.Info().
		Str("asset", code).
		Str("verdict", signal.Verdict).
		Str("as_of", signal.AsOf.Format(time.DateOnly)).
		Float64("price", signal.Price).
		Float64("histogram", signal.Histogram).
		Msg("signal recorded")

	if snap.Verdict.Actionable() {
		s.alert(ctx, signal)
	}
	return signal, nil
}

func (s *Service) alert(ctx context.Context, signal storage.Signal) {
	if s.notifier == nil {
		return
	}
	note := alerting.Notification{
		Asset:       signal.AssetCode,
		Verdict:     signal.Verdict,
		AsOf:        signal.AsOf,
		GeneratedAt: signal.GeneratedAt,
		Price:       signal.Price,
		MACD:        signal.MACD,
		SignalLine:  signal.SignalLine,
		Histogram:   signal.Histogram,
		RSI:         signal.RSI,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("asset", signal.AssetCode).Msg("failed to dispatch alert")
	}
}
