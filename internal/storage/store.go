package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"charon/internal/config"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrJobNotFound is returned when finishing an unknown job run.
	ErrJobNotFound = errors.New("storage: job run not found")
)

// DefaultListLimit applies when a list call passes a non-positive limit.
const DefaultListLimit = 20

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// PriceStore owns instruments and price points.
type PriceStore interface {
	// UpsertPoint registers the instrument if needed and inserts the point.
	// It reports false, without error, when the (code, date) pair already exists.
	UpsertPoint(ctx context.Context, point PointInput) (bool, error)
	// ReadSeries returns points for code ascending by date; nil bounds are open.
	ReadSeries(ctx context.Context, code string, from, to *time.Time) ([]PricePoint, error)
	// LatestDate returns the newest effective date stored for any instrument of kind.
	LatestDate(ctx context.Context, kind InstrumentKind) (time.Time, bool, error)
	ListInstruments(ctx context.Context, activeOnly bool) ([]Instrument, error)
	CountPoints(ctx context.Context, code string) (int64, error)
}

// SignalStore persists the signal log.
type SignalStore interface {
	InsertSignal(ctx context.Context, signal Signal) (Signal, error)
	// ListSignals lists newest first; an empty code lists every asset.
	// A non-positive limit falls back to DefaultListLimit.
	ListSignals(ctx context.Context, code string, limit int) ([]Signal, error)
	LatestSignal(ctx context.Context, code string) (Signal, bool, error)
}

// JobStore persists import bookkeeping.
type JobStore interface {
	StartJob(ctx context.Context, kind string, startedAt time.Time) (int64, error)
	FinishJob(ctx context.Context, run JobRun) error
	ListJobRuns(ctx context.Context, limit int) ([]JobRun, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository aggregates every store behind one backend.
type Repository interface {
	PriceStore
	SignalStore
	JobStore
	Close()
}

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Repository, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "postgres", "postgresql":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store := NewStore(pool)
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database.driver %q", cfg.Driver)
	}
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
