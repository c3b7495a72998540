// Package store implements the durable bar/coverage/known-missing catalogs
// on Postgres via pgx, generalizing ohlcv_config.go's raw-DDL style and
// conn.go/retry.go's pool-and-retry idioms to the (venue, symbol, timeframe)-
// keyed bars/coverage/known-missing schema.
package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"barplant/internal/bar"
	"barplant/internal/errs"
	"barplant/internal/timeframe"
)

// Store is a Postgres-backed bar store. A single Store is safe for
// concurrent use by multiple goroutines (pgxpool.Pool already is); the
// plant owns one Store per process, not per invocation.
type Store struct {
	db *pgxpool.Pool
}

// New wraps an already-connected pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

var tfTableToken = regexp.MustCompile(`^[0-9]+[smhdw]$`)

// barsTable returns the bars_<tf> table name for tf, after validating tf
// only contains characters that are safe to interpolate into DDL/DML (the
// timeframe grammar is closed, so this is not user-controlled SQL).
func barsTable(tf string) (string, error) {
	if !tfTableToken.MatchString(tf) {
		return "", errs.Wrap(errs.ErrInvalidInput, "invalid timeframe %q", tf)
	}
	return "bars_" + tf, nil
}

// EnsureSchema creates the coverage and known-missing catalogs if absent.
// Per-timeframe bars_<tf> tables are created lazily by EnsureBarsTable, the
// first time a series for that timeframe is touched.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history_coverage (
			venue TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_ms BIGINT NOT NULL,
			end_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			PRIMARY KEY (venue, symbol, timeframe)
		)`,
		`CREATE TABLE IF NOT EXISTS known_missing_ranges (
			venue TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_ms BIGINT NOT NULL,
			end_ms_excl BIGINT NOT NULL,
			reason TEXT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			PRIMARY KEY (venue, symbol, timeframe, start_ms, end_ms_excl)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_known_missing_lookup
			ON known_missing_ranges (venue, symbol, timeframe, start_ms, end_ms_excl)`,
	}
	for _, stmt := range stmts {
		if err := s.exec(ctx, stmt); err != nil {
			return errs.Wrap(errs.ErrInvariantViolated, "ensure_schema: %v", err)
		}
	}
	return nil
}

// EnsureBarsTable creates bars_<tf> if it does not already exist.
func (s *Store) EnsureBarsTable(ctx context.Context, tf string) error {
	table, err := barsTable(tf)
	if err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		ts_ms BIGINT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (venue, symbol, ts_ms)
	)`, table)
	if err := s.exec(ctx, ddl); err != nil {
		return errs.Wrap(errs.ErrInvariantViolated, "ensure_bars_table(%s): %v", tf, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_lookup ON %s (venue, symbol, ts_ms)`, table, table)
	if err := s.exec(ctx, idx); err != nil {
		return errs.Wrap(errs.ErrInvariantViolated, "ensure_bars_table_index(%s): %v", tf, err)
	}
	return nil
}

// UpsertBars inserts or replaces rows keyed by (venue, symbol, ts_ms): a
// later write for the same key replaces the stored row. Bars are
// validated against the per-bar invariants before being sent to the
// database. Returns the number of rows written.
func (s *Store) UpsertBars(ctx context.Context, tf, venue, symbol string, bars []bar.OHLCV) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	table, err := barsTable(tf)
	if err != nil {
		return 0, err
	}
	tfMs, err := timeframe.ToMillis(tf)
	if err != nil {
		return 0, err
	}
	for _, b := range bars {
		if err := b.Validate(tfMs); err != nil {
			return 0, err
		}
	}

	batch := &pgx.Batch{}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (venue, symbol, ts_ms, open, high, low, close, volume)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (venue, symbol, ts_ms) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`, table)
	for _, b := range bars {
		batch.Queue(stmt, venue, symbol, b.TsMs, b.Open, b.High, b.Low, b.Close, b.Volume)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range bars {
		if _, err := br.Exec(); err != nil {
			return 0, errs.Wrap(errs.ErrInvariantViolated, "upsert_bars(%s): %v", tf, err)
		}
	}
	return len(bars), nil
}

// MinTS returns the smallest stored ts_ms for the series, or nil if empty.
func (s *Store) MinTS(ctx context.Context, tf, venue, symbol string) (*int64, error) {
	return s.minMaxOne(ctx, tf, venue, symbol, "MIN")
}

// MaxTS returns the largest stored ts_ms for the series, or nil if empty.
func (s *Store) MaxTS(ctx context.Context, tf, venue, symbol string) (*int64, error) {
	return s.minMaxOne(ctx, tf, venue, symbol, "MAX")
}

func (s *Store) minMaxOne(ctx context.Context, tf, venue, symbol, agg string) (*int64, error) {
	table, err := barsTable(tf)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s(ts_ms) FROM %s WHERE venue=$1 AND symbol=$2`, agg, table)
	var ts *int64
	row := s.db.QueryRow(ctx, q, venue, symbol)
	if err := row.Scan(&ts); err != nil {
		return nil, errs.Wrap(errs.ErrInvariantViolated, "%s(%s): %v", agg, tf, err)
	}
	return ts, nil
}

// MinMaxTS returns both the min and max stored ts_ms in one round trip, or
// ok=false if the series is empty.
func (s *Store) MinMaxTS(ctx context.Context, tf, venue, symbol string) (minTS, maxTS int64, ok bool, err error) {
	table, terr := barsTable(tf)
	if terr != nil {
		return 0, 0, false, terr
	}
	q := fmt.Sprintf(`SELECT MIN(ts_ms), MAX(ts_ms) FROM %s WHERE venue=$1 AND symbol=$2`, table)
	var minPtr, maxPtr *int64
	row := s.db.QueryRow(ctx, q, venue, symbol)
	if scanErr := row.Scan(&minPtr, &maxPtr); scanErr != nil {
		return 0, 0, false, errs.Wrap(errs.ErrInvariantViolated, "min_max(%s): %v", tf, scanErr)
	}
	if minPtr == nil || maxPtr == nil {
		return 0, 0, false, nil
	}
	return *minPtr, *maxPtr, true, nil
}

// GetCoverage returns the coverage row for a series, or nil if none exists.
func (s *Store) GetCoverage(ctx context.Context, venue, symbol, tf string) (*bar.CoverageRow, error) {
	const q = `SELECT start_ms, end_ms, updated_at_ms FROM history_coverage WHERE venue=$1 AND symbol=$2 AND timeframe=$3`
	row := s.db.QueryRow(ctx, q, venue, symbol, tf)
	var c bar.CoverageRow
	c.Venue, c.Symbol, c.Timeframe = venue, symbol, tf
	if err := row.Scan(&c.StartMs, &c.EndMs, &c.UpdatedAtMs); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.ErrInvariantViolated, "get_coverage: %v", err)
	}
	return &c, nil
}

// UpsertCoverage writes row, overwriting any prior row for the same key. The
// caller is responsible for the monotonicity check (bar.MonotonicUpdate)
// before calling this, since only the caller knows the previous row it read.
func (s *Store) UpsertCoverage(ctx context.Context, row bar.CoverageRow) error {
	if err := row.Validate(); err != nil {
		return err
	}
	const q = `
		INSERT INTO history_coverage (venue, symbol, timeframe, start_ms, end_ms, updated_at_ms)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (venue, symbol, timeframe) DO UPDATE SET
			start_ms = EXCLUDED.start_ms,
			end_ms = EXCLUDED.end_ms,
			updated_at_ms = EXCLUDED.updated_at_ms
	`
	if err := s.exec(ctx, q, row.Venue, row.Symbol, row.Timeframe, row.StartMs, row.EndMs, row.UpdatedAtMs); err != nil {
		return errs.Wrap(errs.ErrInvariantViolated, "upsert_coverage: %v", err)
	}
	return nil
}

// RecordKnownMissing appends a confirmed-empty range. Known-missing rows are
// append-only; the core never removes them.
func (s *Store) RecordKnownMissing(ctx context.Context, row bar.KnownMissingRange) error {
	const q = `
		INSERT INTO known_missing_ranges (venue, symbol, timeframe, start_ms, end_ms_excl, reason, updated_at_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (venue, symbol, timeframe, start_ms, end_ms_excl) DO NOTHING
	`
	if err := s.exec(ctx, q, row.Venue, row.Symbol, row.Timeframe, row.StartMs, row.EndMsExcl, row.Reason, row.UpdatedAtMs); err != nil {
		return errs.Wrap(errs.ErrInvariantViolated, "record_known_missing: %v", err)
	}
	return nil
}

// IsKnownMissing reports whether a single stored known-missing range fully
// covers [startMs, endMsExcl).
func (s *Store) IsKnownMissing(ctx context.Context, venue, symbol, tf string, startMs, endMsExcl int64) (bool, error) {
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM known_missing_ranges
			WHERE venue=$1 AND symbol=$2 AND timeframe=$3
			  AND start_ms <= $4 AND end_ms_excl >= $5
		)
	`
	var exists bool
	row := s.db.QueryRow(ctx, q, venue, symbol, tf, startMs, endMsExcl)
	if err := row.Scan(&exists); err != nil {
		return false, errs.Wrap(errs.ErrInvariantViolated, "is_known_missing: %v", err)
	}
	return exists, nil
}

// FindGaps scans the series ordered by ts_ms and returns an ordered
// sequence of [gap_start, gap_end_excl) where consecutive stored timestamps
// differ by more than tf_ms, capped at limit and optionally bounded to
// [startMs, endMsExcl).
func (s *Store) FindGaps(ctx context.Context, tf, venue, symbol string, startMs, endMsExcl *int64, limit int) ([]bar.GapRange, error) {
	table, err := barsTable(tf)
	if err != nil {
		return nil, err
	}
	tfMs, err := timeframe.ToMillis(tf)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT ts_ms FROM %s WHERE venue=$1 AND symbol=$2`, table)
	args := []interface{}{venue, symbol}
	if startMs != nil {
		args = append(args, *startMs)
		q += fmt.Sprintf(` AND ts_ms >= $%d`, len(args))
	}
	if endMsExcl != nil {
		args = append(args, *endMsExcl)
		q += fmt.Sprintf(` AND ts_ms < $%d`, len(args))
	}
	q += ` ORDER BY ts_ms ASC`

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvariantViolated, "find_gaps(%s): %v", tf, err)
	}
	defer rows.Close()

	var gaps []bar.GapRange
	var prev int64
	havePrev := false
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, errs.Wrap(errs.ErrInvariantViolated, "find_gaps(%s) scan: %v", tf, err)
		}
		if havePrev && ts-prev != tfMs {
			gaps = append(gaps, bar.GapRange{StartMs: prev + tfMs, EndMsExcl: ts})
			if len(gaps) >= limit {
				return gaps, nil
			}
		}
		prev = ts
		havePrev = true
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrInvariantViolated, "find_gaps(%s) rows: %v", tf, err)
	}
	return gaps, nil
}

// ReadBars returns stored bars in [startMs, endMsExcl) sorted ascending.
func (s *Store) ReadBars(ctx context.Context, tf, venue, symbol string, startMs, endMsExcl int64) ([]bar.OHLCV, error) {
	table, err := barsTable(tf)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`
		SELECT ts_ms, open, high, low, close, volume FROM %s
		WHERE venue=$1 AND symbol=$2 AND ts_ms >= $3 AND ts_ms < $4
		ORDER BY ts_ms ASC
	`, table)
	rows, err := s.db.Query(ctx, q, venue, symbol, startMs, endMsExcl)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvariantViolated, "read_bars(%s): %v", tf, err)
	}
	defer rows.Close()

	var out []bar.OHLCV
	for rows.Next() {
		var b bar.OHLCV
		if err := rows.Scan(&b.TsMs, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, errs.Wrap(errs.ErrInvariantViolated, "read_bars(%s) scan: %v", tf, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// exec runs a statement with bounded exponential-backoff retry on transient
// connection errors, generalizing ExecWithRetry (retry.go). It carries the
// schema, coverage and known-missing writes; UpsertBars sends its batch
// directly without this retry.
func (s *Store) exec(ctx context.Context, sql string, args ...interface{}) error {
	const maxAttempts = 5
	backoff := 250 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err = s.db.Exec(ctx, sql, args...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errs.IsTransient(err) || attempt == maxAttempts {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return err
}
