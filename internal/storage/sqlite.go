package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// timestamps are fixed-width UTC text so lexical order equals time order
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
		code       TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		kind       TEXT NOT NULL,
		source     TEXT NOT NULL,
		active     INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS price_points (
		instrument_code TEXT NOT NULL REFERENCES instruments(code),
		effective_date  TEXT NOT NULL,
		price           TEXT NOT NULL,
		fetched_at      TEXT NOT NULL,
		source          TEXT NOT NULL,
		UNIQUE (instrument_code, effective_date)
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		asset_code      TEXT NOT NULL,
		generated_at    TEXT NOT NULL,
		as_of           TEXT NOT NULL,
		signal          TEXT NOT NULL,
		macd            REAL NOT NULL,
		signal_line     REAL NOT NULL,
		histogram       REAL NOT NULL,
		rsi             REAL,
		price_at_signal REAL NOT NULL,
		horizon_days    INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_asset ON signals(asset_code, generated_at)`,
	`CREATE TABLE IF NOT EXISTS job_runs (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		kind         TEXT NOT NULL,
		status       TEXT NOT NULL,
		started_at   TEXT NOT NULL,
		finished_at  TEXT,
		rows_written INTEGER NOT NULL DEFAULT 0,
		error        TEXT
	)`,
}

// SQLiteStore is the embedded backend used for local runs and tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at dsn and creates the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; transactions serialise on the single connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// sqliteDSN adds a busy timeout and BEGIN IMMEDIATE write transactions
// unless dsn already sets them. Handles on the same file then queue
// for the write lock instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(sqliteTimeLayout)
}

// UpsertPoint mirrors the Postgres two-statement transaction.
func (s *SQLiteStore) UpsertPoint(ctx context.Context, point PointInput) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNotConfigured
	}

	name := point.Name
	if name == "" {
		name = point.Code
	}
	date := Day(point.Date).Format(time.DateOnly)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO instruments (code, name, kind, source, active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?) ON CONFLICT (code) DO NOTHING`,
		point.Code, name, string(point.Kind), point.Source, s.stamp(),
	); err != nil {
		return false, fmt.Errorf("register instrument %s: %w", point.Code, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO price_points (instrument_code, effective_date, price, fetched_at, source)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (instrument_code, effective_date) DO NOTHING`,
		point.Code, date, point.Price.String(), s.stamp(), point.Source,
	)
	if err != nil {
		return false, fmt.Errorf("insert price point %s %s: %w", point.Code, date, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return affected == 1, nil
}

// ReadSeries lists points for code ordered by effective date.
func (s *SQLiteStore) ReadSeries(ctx context.Context, code string, from, to *time.Time) ([]PricePoint, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}

	query := `SELECT instrument_code, effective_date, price, fetched_at, source
		FROM price_points WHERE instrument_code = ?`
	args := []any{code}
	if from != nil {
		query += ` AND effective_date >= ?`
		args = append(args, Day(*from).Format(time.DateOnly))
	}
	if to != nil {
		query += ` AND effective_date <= ?`
		args = append(args, Day(*to).Format(time.DateOnly))
	}
	query += ` ORDER BY effective_date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read series: %w", err)
	}
	defer rows.Close()

	points := make([]PricePoint, 0)
	for rows.Next() {
		var (
			p                       PricePoint
			date, price, fetchedStr string
		)
		if err := rows.Scan(&p.Code, &date, &price, &fetchedStr, &p.Source); err != nil {
			return nil, err
		}
		if p.Date, err = time.Parse(time.DateOnly, date); err != nil {
			return nil, fmt.Errorf("parse date %q: %w", date, err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		if p.FetchedAt, err = time.Parse(sqliteTimeLayout, fetchedStr); err != nil {
			return nil, fmt.Errorf("parse fetched_at %q: %w", fetchedStr, err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// LatestDate returns the max effective date across instruments of kind.
func (s *SQLiteStore) LatestDate(ctx context.Context, kind InstrumentKind) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrNotConfigured
	}

	var latest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(p.effective_date) FROM price_points p
		 JOIN instruments i ON i.code = p.instrument_code
		 WHERE i.kind = ?`, string(kind),
	).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest date: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.DateOnly, latest.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse date %q: %w", latest.String, err)
	}
	return t, true, nil
}

// ListInstruments lists registered instruments ordered by code.
func (s *SQLiteStore) ListInstruments(ctx context.Context, activeOnly bool) ([]Instrument, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}

	query := `SELECT code, name, kind, source, active, created_at FROM instruments`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY code`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	instruments := make([]Instrument, 0)
	for rows.Next() {
		var (
			inst          Instrument
			kind, created string
			active        int
		)
		if err := rows.Scan(&inst.Code, &inst.Name, &kind, &inst.Source, &active, &created); err != nil {
			return nil, err
		}
		inst.Kind = InstrumentKind(kind)
		inst.Active = active == 1
		if inst.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", created, err)
		}
		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

// CountPoints counts stored points for code.
func (s *SQLiteStore) CountPoints(ctx context.Context, code string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotConfigured
	}
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM price_points WHERE instrument_code = ?`, code,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return count, nil
}

// InsertSignal appends a signal row.
func (s *SQLiteStore) InsertSignal(ctx context.Context, signal Signal) (Signal, error) {
	if s == nil || s.db == nil {
		return Signal{}, ErrNotConfigured
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (asset_code, generated_at, as_of, signal, macd, signal_line,
		 histogram, rsi, price_at_signal, horizon_days)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		signal.AssetCode,
		signal.GeneratedAt.UTC().Format(sqliteTimeLayout),
		Day(signal.AsOf).Format(time.DateOnly),
		signal.Verdict,
		signal.MACD,
		signal.SignalLine,
		signal.Histogram,
		nullableFloat(signal.RSI),
		signal.Price,
		signal.HorizonDays,
	)
	if err != nil {
		return Signal{}, fmt.Errorf("insert signal: %w", err)
	}
	if signal.ID, err = res.LastInsertId(); err != nil {
		return Signal{}, fmt.Errorf("insert signal: %w", err)
	}
	return signal, nil
}

// ListSignals lists the newest signals.
func (s *SQLiteStore) ListSignals(ctx context.Context, code string, limit int) ([]Signal, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	limit = listLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_code, generated_at, as_of, signal, macd, signal_line,
		 histogram, rsi, price_at_signal, horizon_days
		 FROM signals
		 WHERE (? = '' OR asset_code = ?)
		 ORDER BY generated_at DESC, id DESC
		 LIMIT ?`, code, code, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	signals := make([]Signal, 0, limit)
	for rows.Next() {
		var (
			sig                Signal
			generated, asOfStr string
			rsi                sql.NullFloat64
		)
		if err := rows.Scan(
			&sig.ID,
			&sig.AssetCode,
			&generated,
			&asOfStr,
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
		if sig.GeneratedAt, err = time.Parse(sqliteTimeLayout, generated); err != nil {
			return nil, fmt.Errorf("parse generated_at %q: %w", generated, err)
		}
		if sig.AsOf, err = time.Parse(time.DateOnly, asOfStr); err != nil {
			return nil, fmt.Errorf("parse as_of %q: %w", asOfStr, err)
		}
		sig.RSI = floatOrNaN(rsi)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// LatestSignal returns the newest signal for code.
func (s *SQLiteStore) LatestSignal(ctx context.Context, code string) (Signal, bool, error) {
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
func (s *SQLiteStore) StartJob(ctx context.Context, kind string, startedAt time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotConfigured
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (kind, status, started_at) VALUES (?, ?, ?)`,
		kind, string(JobPending), startedAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("start job: %w", err)
	}
	return res.LastInsertId()
}

// FinishJob finalises a job run.
func (s *SQLiteStore) FinishJob(ctx context.Context, run JobRun) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}

	var finished, errMsg any
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC().Format(sqliteTimeLayout)
	}
	if run.Error != nil {
		errMsg = *run.Error
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, finished_at = ?, rows_written = ?, error = ? WHERE id = ?`,
		string(run.Status), finished, run.RowsWritten, errMsg, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListJobRuns lists the most recent job runs.
func (s *SQLiteStore) ListJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	limit = listLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, status, started_at, finished_at, rows_written, error
		 FROM job_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	runs := make([]JobRun, 0, limit)
	for rows.Next() {
		var (
			run              JobRun
			status, started  string
			finished, errMsg sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Kind, &status, &started, &finished, &run.RowsWritten, &errMsg); err != nil {
			return nil, err
		}
		run.Status = JobStatus(status)
		if run.StartedAt, err = time.Parse(sqliteTimeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", started, err)
		}
		if finished.Valid {
			t, err := time.Parse(sqliteTimeLayout, finished.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at %q: %w", finished.String, err)
			}
			run.FinishedAt = &t
		}
		if errMsg.Valid {
			msg := errMsg.String
			run.Error = &msg
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

var _ Repository = (*SQLiteStore)(nil)
