package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"charon/internal/alerting"
	"charon/internal/cache"
	"charon/internal/config"
	"charon/internal/events"
	"charon/internal/fetcher"
	"charon/internal/logging"
	"charon/internal/metrics"
	"charon/internal/miner"
	"charon/internal/scheduler"
	"charon/internal/service"
	"charon/internal/storage"
	"charon/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	redis *redis.Client
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// Close releases shared clients.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
}

func (a *App) openRepository(ctx context.Context) (storage.Repository, error) {
	repo, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	a.Logger.Debug().Str("driver", a.Config.Database.Driver).Msg("store opened")
	return repo, nil
}

func (a *App) newFetcher() fetcher.SeriesFetcher {
	src := a.Config.Source
	return fetcher.NewNBP(fetcher.NBPOptions{
		BaseURL:        src.BaseURL,
		Timeout:        src.RequestTimeout,
		UserAgent:      src.UserAgent,
		MaxAttempts:    src.MaxAttempts,
		BackoffInitial: src.BackoffInitial,
		BackoffMax:     src.BackoffMax,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	return alerting.NewThrottled(telegram, a.Config.Alerting.Cooldown)
}

func (a *App) redisClient() *redis.Client {
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
	}
	return a.redis
}

func (a *App) newBus() (events.Bus, error) {
	switch a.Config.Events.Transport {
	case "memory":
		return events.NewMemory(16, a.Logger), nil
	case "redis":
		return events.NewRedis(a.redisClient(), a.Logger), nil
	case "kafka":
		k := a.Config.Events.Kafka
		return events.NewKafka(k.Brokers, k.GroupID, a.Logger)
	default:
		return events.Nop{}, nil
	}
}

func (a *App) newSeriesReader(store storage.PriceStore) *cache.Reader {
	cfg := a.Config.Cache
	var series cache.Series
	switch cfg.Backend {
	case "memory":
		series = cache.NewMemory(cfg.TTL)
	case "redis":
		series = cache.NewRedis(a.redisClient(), cfg.KeyPrefix, cfg.TTL)
	}
	return cache.NewReader(store, series)
}

func (a *App) newRecorder() *metrics.Recorder {
	if !a.Config.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func (a *App) newImporter(repo storage.Repository, publisher events.Publisher, rec *metrics.Recorder) *miner.Importer {
	classes := make([]fetcher.Class, 0, len(a.Config.Source.Classes))
	for _, c := range a.Config.Source.Classes {
		classes = append(classes, fetcher.Class(c))
	}
	return miner.New(miner.Config{
		Classes:      classes,
		ChunkDays:    a.Config.Source.ChunkDays,
		RequestDelay: a.Config.Source.RequestDelay,
		Topic:        a.Config.Events.Topic,
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
	}, a.newFetcher(), repo, repo, publisher, rec, a.Logger)
}

func (a *App) newService(repo storage.Repository, notifier alerting.Notifier, subscriber events.Subscriber, sched *scheduler.Interval, rec *metrics.Recorder) *service.Service {
	cfg := service.Config{
		Params:      a.Config.Signals.Indicators,
		HorizonDays: a.Config.Signals.HorizonDays,
		Concurrency: a.Config.Signals.Concurrency,
		Topic:       a.Config.Events.Topic,
	}
	return service.New(cfg, repo, repo, a.newSeriesReader(repo), notifier, subscriber, sched, rec, a.Logger)
}

// recomputeOptions schedules the periodic recompute; the first pass runs at startup.
func (a *App) recomputeOptions() scheduler.Options {
	return scheduler.Options{
		Interval:       a.Config.Scheduler.RecomputeInterval,
		Align:          a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}
}

// Run executes the long-running import and signal service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	bus, err := a.newBus()
	if err != nil {
		return err
	}
	defer bus.Close()

	rec := a.newRecorder()
	importer := a.newImporter(repo, bus, rec)

	sched, err := scheduler.NewInterval(a.recomputeOptions(), a.Logger)
	if err != nil {
		return err
	}
	svc := a.newService(repo, a.newNotifier(), bus, sched, rec)

	importJob := func(ctx context.Context, _ time.Time) error {
		_, err := importer.Run(ctx, miner.Options{})
		if errors.Is(err, miner.ErrAlreadyRunning) {
			return nil
		}
		return err
	}

	crons := scheduler.NewCron(a.Logger)
	if err := crons.Add(ctx, a.Config.Scheduler.ImportCron, "import", importJob); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if rec != nil {
		g.Go(func() error {
			return rec.Serve(ctx, a.Config.Metrics.Listen, a.Config.Metrics.Path, a.Logger)
		})
	}
	g.Go(func() error { return crons.Run(ctx) })
	g.Go(func() error { return svc.Run(ctx) })
	if a.Config.Scheduler.RunOnStart {
		g.Go(func() error {
			if err := importJob(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("startup import failed")
			}
			return nil
		})
	}

	a.Logger.Info().
		Str("version", version.Version).
		Str("transport", a.Config.Events.Transport).
		Str("import_cron", a.Config.Scheduler.ImportCron).
		Dur("recompute_interval", a.Config.Scheduler.RecomputeInterval).
		Msg("starting charon service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("charon service stopped")
	return nil
}

// ImportOptions configure a one-off import.
type ImportOptions struct {
	From   *time.Time
	To     *time.Time
	DryRun bool
}

// ExportOptions hold parameters for exporting a stored series.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	What  string
	Asset string
	Limit int
}

// BacktestOptions configure the backtest command.
type BacktestOptions struct {
	Asset          string
	InitialCapital float64
	TradesCSV      string
	EquityCSV      string
	PNGPath        string
}
