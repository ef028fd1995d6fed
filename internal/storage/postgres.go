package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	insertInstrumentSQL = `INSERT INTO instruments (code, name, kind, source)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (code) DO NOTHING;`

	insertPointSQL = `INSERT INTO price_points (
        instrument_code,
        effective_date,
        price,
        source
    ) VALUES (
        $1, $2, $3::numeric, $4
    )
    ON CONFLICT (instrument_code, effective_date) DO NOTHING;`

	readSeriesSQL = `SELECT
        instrument_code,
        effective_date,
        price::text,
        fetched_at,
        source
    FROM price_points
    WHERE instrument_code = $1
      AND ($2::date IS NULL OR effective_date >= $2::date)
      AND ($3::date IS NULL OR effective_date <= $3::date)
    ORDER BY effective_date;`

	latestDateSQL = `SELECT MAX(p.effective_date)
    FROM price_points p
    JOIN instruments i ON i.code = p.instrument_code
    WHERE i.kind = $1;`

	listInstrumentsSQL = `SELECT code, name, kind, source, active, created_at
    FROM instruments
    WHERE ($1::boolean = false OR active)
    ORDER BY code;`

	countPointsSQL = `SELECT COUNT(*) FROM price_points WHERE instrument_code = $1;`

	insertSignalSQL = `INSERT INTO signals (
        asset_code,
        generated_at,
        as_of,
        signal,
        macd,
        signal_line,
        histogram,
        rsi,
        price_at_signal,
        horizon_days
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id;`

	listSignalsSQL = `SELECT
        id,
        asset_code,
        generated_at,
        as_of,
        signal,
        macd,
        signal_line,
        histogram,
        rsi,
        price_at_signal,
        horizon_days
    FROM signals
    WHERE ($1::text = '' OR asset_code = $1::text)
    ORDER BY generated_at DESC, id DESC
    LIMIT $2;`

	startJobSQL = `INSERT INTO job_runs (kind, status, started_at)
    VALUES ($1, $2, $3)
    RETURNING id;`

	finishJobSQL = `UPDATE job_runs
    SET status = $2, finished_at = $3, rows_written = $4, error = $5
    WHERE id = $1;`

	listJobRunsSQL = `SELECT id, kind, status, started_at, finished_at, rows_written, error
    FROM job_runs
    ORDER BY started_at DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

//go:embed schema_postgres.sql
var postgresSchema string

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// session locks die with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Migrate applies the idempotent schema.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertPoint registers the instrument and inserts the point in one transaction.
// Both statements are ON CONFLICT DO NOTHING, so racing importers are safe.
func (s *Store) UpsertPoint(ctx context.Context, point PointInput) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	name := point.Name
	if name == "" {
		name = point.Code
	}

	var inserted bool
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertInstrumentSQL, point.Code, name, string(point.Kind), point.Source); err != nil {
			return fmt.Errorf("register instrument: %w", err)
		}
		tag, err := tx.Exec(ctx, insertPointSQL, point.Code, Day(point.Date), point.Price.String(), point.Source)
		if err != nil {
			return fmt.Errorf("insert price point: %w", err)
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if txErr != nil {
		return false, fmt.Errorf("upsert point %s %s: %w", point.Code, Day(point.Date).Format(time.DateOnly), txErr)
	}
	return inserted, nil
}

// ReadSeries lists points for code ordered by effective date.
func (s *Store) ReadSeries(ctx context.Context, code string, from, to *time.Time) ([]PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, readSeriesSQL, code, optionalDay(from), optionalDay(to))
	if queryErr != nil {
		return nil, fmt.Errorf("read series: %w", queryErr)
	}
	defer rows.Close()

	points := make([]PricePoint, 0)
	for rows.Next() {
		var (
			p        PricePoint
			priceStr string
		)
		if err := rows.Scan(&p.Code, &p.Date, &priceStr, &p.FetchedAt, &p.Source); err != nil {
			return nil, err
		}
		p.Price, err = decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		p.Date = Day(p.Date)
		points = append(points, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// LatestDate returns the max effective date across instruments of kind.
func (s *Store) LatestDate(ctx context.Context, kind InstrumentKind) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var latest *time.Time
	if err := pool.QueryRow(ctx, latestDateSQL, string(kind)).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("latest date: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return Day(*latest), true, nil
}

// ListInstruments lists registered instruments ordered by code.
func (s *Store) ListInstruments(ctx context.Context, activeOnly bool) ([]Instrument, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listInstrumentsSQL, activeOnly)
	if queryErr != nil {
		return nil, fmt.Errorf("list instruments: %w", queryErr)
	}
	defer rows.Close()

	instruments := make([]Instrument, 0)
	for rows.Next() {
		var (
			inst Instrument
			kind string
		)
		if err := rows.Scan(&inst.Code, &inst.Name, &kind, &inst.Source, &inst.Active, &inst.CreatedAt); err != nil {
			return nil, err
		}
		inst.Kind = InstrumentKind(kind)
		instruments = append(instruments, inst)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return instruments, nil
}

// CountPoints counts stored points for code.
func (s *Store) CountPoints(ctx context.Context, code string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countPointsSQL, code).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count points: %w", scanErr)
	}
	return count, nil
}

// InsertSignal appends a signal row.
func (s *Store) InsertSignal(ctx context.Context, signal Signal) (Signal, error) {
	pool, err := s.getPool()
	if err != nil {
		return Signal{}, err
	}

	row := pool.QueryRow(ctx, insertSignalSQL,
		signal.AssetCode,
		signal.GeneratedAt,
		Day(signal.AsOf),
		signal.Verdict,
		signal.MACD,
		signal.SignalLine,
		signal.Histogram,
		nullableFloat(signal.RSI),
		signal.Price,
		signal.HorizonDays,
	)
	if scanErr := row.Scan(&signal.ID); scanErr != nil {
		return Signal{}, fmt.Errorf("insert signal: %w", scanErr)
	}
	return signal, nil
}

// ListSignals lists the newest signals.
func (s *Store) ListSignals(ctx context.Context, code string, limit int) ([]Signal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit = listLimit(limit)

	rows, queryErr := pool.Query(ctx, listSignalsSQL, code, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list signals: %w", queryErr)
	}
	defer rows.Close()

	signals := make([]Signal, 0, limit)
	for rows.Next() {
		var (
			sig Signal
			rsi sql.NullFloat64
		)
		if err := rows.Scan(
			&sig.ID,
			&sig.AssetCode,
			&sig.GeneratedAt,
			&sig.AsOf,
			&sig.Verdict,
			&sig.MACD,
			&sig.SignalLine,
			&sig.Histogram,
			&rsi,
			&sig.Price,
			&sig.HorizonDays,
		); err != nil {
			return nil, err
		}
		sig.RSI = floatOrNaN(rsi)
		sig.AsOf = Day(sig.AsOf)
		signals = append(signals, sig)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return signals, nil
}

// LatestSignal returns the newest signal for code.
func (s *Store) LatestSignal(ctx context.Context, code string) (Signal, bool, error) {
	signals, err := s.ListSignals(ctx, code, 1)
	if err != nil {
		return Signal{}, false, err
	}
	if len(signals) == 0 {
		return Signal{}, false, nil
	}
	return signals[0], true, nil
}

// StartJob inserts a pending job run and returns its id.
func (s *Store) StartJob(ctx context.Context, kind string, startedAt time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var id int64
	if scanErr := pool.QueryRow(ctx, startJobSQL, kind, string(JobPending), startedAt).Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("start job: %w", scanErr)
	}
	return id, nil
}

// FinishJob finalises a job run.
func (s *Store) FinishJob(ctx context.Context, run JobRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if run.Error != nil {
		errMsg = *run.Error
	}

	tag, execErr := pool.Exec(ctx, finishJobSQL, run.ID, string(run.Status), run.FinishedAt, run.RowsWritten, errMsg)
	if execErr != nil {
		return fmt.Errorf("finish job: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListJobRuns lists the most recent job runs.
func (s *Store) ListJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit = listLimit(limit)

	rows, queryErr := pool.Query(ctx, listJobRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list job runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]JobRun, 0, limit)
	for rows.Next() {
		var (
			run      JobRun
			status   string
			finished sql.NullTime
			errMsg   sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Kind, &status, &run.StartedAt, &finished, &run.RowsWritten, &errMsg); err != nil {
			return nil, err
		}
		run.Status = JobStatus(status)
		if finished.Valid {
			value := finished.Time
			run.FinishedAt = &value
		}
		if errMsg.Valid {
			msg := errMsg.String
			run.Error = &msg
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func optionalDay(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return Day(*t)
}

func nullableFloat(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
