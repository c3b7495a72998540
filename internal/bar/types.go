// Package bar defines the value objects shared by the store, backfill,
// aggregate, repair, and read-API components: the OHLCV candle itself,
// per-series coverage, known-missing ranges, and gap ranges.
package bar

import (
	"fmt"

	"barplant/internal/errs"
	"barplant/internal/timeframe"
)

// OHLCV is an immutable candlestick bar. TsMs is the bar's open time and
// must sit on the timeframe's grid.
type OHLCV struct {
	TsMs   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Validate checks the per-bar invariants from the data model: low <= open,
// close <= high, high >= low, volume >= 0, and ts_ms aligned to tfMs.
func (b OHLCV) Validate(tfMs int64) error {
	if b.TsMs%tfMs != 0 {
		return errs.Wrap(errs.ErrInvariantViolated, "bar ts_ms=%d not aligned to tf_ms=%d", b.TsMs, tfMs)
	}
	if b.High < b.Low {
		return errs.Wrap(errs.ErrInvariantViolated, "bar ts_ms=%d high=%v < low=%v", b.TsMs, b.High, b.Low)
	}
	if b.Open < b.Low || b.Open > b.High {
		return errs.Wrap(errs.ErrInvariantViolated, "bar ts_ms=%d open=%v outside [low,high]", b.TsMs, b.Open)
	}
	if b.Close < b.Low || b.Close > b.High {
		return errs.Wrap(errs.ErrInvariantViolated, "bar ts_ms=%d close=%v outside [low,high]", b.TsMs, b.Close)
	}
	if b.Volume < 0 {
		return errs.Wrap(errs.ErrInvariantViolated, "bar ts_ms=%d volume=%v negative", b.TsMs, b.Volume)
	}
	return nil
}

// Key identifies a single (venue, symbol, timeframe) series.
type Key struct {
	Venue     string
	Symbol    string
	Timeframe string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Venue, k.Symbol, k.Timeframe)
}

// CoverageRow is the single trustworthy interval [StartMs, EndMs) for one
// series. EndMs is always last_complete_open + tf_ms.
type CoverageRow struct {
	Venue       string
	Symbol      string
	Timeframe   string
	StartMs     int64
	EndMs       int64
	UpdatedAtMs int64
}

// Validate checks the coverage row's own invariants (not monotonicity
// against a previous row, which the caller must enforce separately).
func (c CoverageRow) Validate() error {
	if c.EndMs <= c.StartMs {
		return errs.Wrap(errs.ErrInvariantViolated, "coverage %s/%s/%s end_ms=%d <= start_ms=%d", c.Venue, c.Symbol, c.Timeframe, c.EndMs, c.StartMs)
	}
	tfMs, err := timeframe.ToMillis(c.Timeframe)
	if err != nil {
		return err
	}
	if c.StartMs%tfMs != 0 {
		return errs.Wrap(errs.ErrInvariantViolated, "coverage %s/%s/%s start_ms=%d not grid-aligned", c.Venue, c.Symbol, c.Timeframe, c.StartMs)
	}
	if c.EndMs%tfMs != 0 {
		return errs.Wrap(errs.ErrInvariantViolated, "coverage %s/%s/%s end_ms=%d not grid-aligned", c.Venue, c.Symbol, c.Timeframe, c.EndMs)
	}
	return nil
}

// MonotonicUpdate checks that next never shrinks coverage relative to prev:
// start_ms may only move earlier (or stay), end_ms may only move later (or
// stay).
func MonotonicUpdate(prev *CoverageRow, next CoverageRow) error {
	if prev == nil {
		return nil
	}
	if next.StartMs > prev.StartMs {
		return errs.Wrap(errs.ErrInvariantViolated, "coverage start_ms regressed forward from %d to %d", prev.StartMs, next.StartMs)
	}
	if next.EndMs < prev.EndMs {
		return errs.Wrap(errs.ErrInvariantViolated, "coverage end_ms regressed from %d to %d", prev.EndMs, next.EndMs)
	}
	return nil
}

// KnownMissingRange records a sub-range of the grid the adapter has proven
// empty, so gap-repair does not keep re-fetching it.
type KnownMissingRange struct {
	Venue       string
	Symbol      string
	Timeframe   string
	StartMs     int64
	EndMsExcl   int64
	Reason      string
	UpdatedAtMs int64
}

// GapRange is a maximal [StartMs, EndMsExcl) sub-range of the grid inside
// the requested scan window for which no bar is stored.
type GapRange struct {
	StartMs   int64
	EndMsExcl int64
}

// Len returns the gap's length in milliseconds.
func (g GapRange) Len() int64 { return g.EndMsExcl - g.StartMs }
