// Package readapi implements the runtime-consumer read path: resolve a
// requested window against stored coverage, narrow it to the longest
// contiguous segment, and optionally forward-fill residual holes with
// synthetic bars. Grounded on bar_store.py's as-of window resolution and
// synthetic_fill.py's fill_missing_bars.
package readapi

import (
	"context"
	"fmt"

	"barplant/internal/bar"
	"barplant/internal/errs"
	"barplant/internal/timeframe"
)

// Store is the subset of store.Store the read API needs.
type Store interface {
	GetCoverage(ctx context.Context, venue, symbol, tf string) (*bar.CoverageRow, error)
	FindGaps(ctx context.Context, tf, venue, symbol string, startMs, endMsExcl *int64, limit int) ([]bar.GapRange, error)
	ReadBars(ctx context.Context, tf, venue, symbol string, startMs, endMsExcl int64) ([]bar.OHLCV, error)
}

// maxGapsScanned bounds how many gaps SelectContiguousWindow will enumerate
// inside one resolved window before giving up on finding a longer segment.
const maxGapsScanned = 10_000

// Window is an aligned, half-open [StartMs, EndMsExcl) range on the
// timeframe's grid.
type Window struct {
	StartMs   int64
	EndMsExcl int64
}

// ResolveCoverage loads coverage for (venue,symbol,tf), clamps it to the
// optional requested window, and aligns the clamped bounds to the grid
// (ceil the start, floor the end). reqStart/reqEnd may be nil to mean
// "unbounded on this side".
func ResolveCoverage(ctx context.Context, st Store, venue, symbol, tf string, reqStart, reqEnd *int64) (Window, error) {
	cov, err := st.GetCoverage(ctx, venue, symbol, tf)
	if err != nil {
		return Window{}, err
	}
	if cov == nil {
		return Window{}, errs.Wrap(errs.ErrResolverEmpty, "no coverage for %s/%s/%s", venue, symbol, tf)
	}
	tfMs, err := timeframe.ToMillis(tf)
	if err != nil {
		return Window{}, err
	}

	startRaw := cov.StartMs
	if reqStart != nil && *reqStart > startRaw {
		startRaw = *reqStart
	}
	endRaw := cov.EndMs
	if reqEnd != nil && *reqEnd < endRaw {
		endRaw = *reqEnd
	}

	start := timeframe.Ceil(startRaw, tfMs)
	endExcl := timeframe.Floor(endRaw, tfMs)
	if endExcl <= start {
		return Window{}, errs.Wrap(errs.ErrResolverEmpty, "requested window empty after clamp/align for %s/%s/%s", venue, symbol, tf)
	}
	return Window{StartMs: start, EndMsExcl: endExcl}, nil
}

// SelectContiguousWindow finds gaps inside w and returns the longest
// gap-free segment whose length is at least minWindowCandles*tfMs. If w
// has no gaps, w is returned unchanged. If no segment qualifies, returns an
// error naming the longest segment actually observed.
func SelectContiguousWindow(ctx context.Context, st Store, venue, symbol, tf string, w Window, minWindowCandles int) (Window, error) {
	tfMs, err := timeframe.ToMillis(tf)
	if err != nil {
		return Window{}, err
	}

	gaps, err := st.FindGaps(ctx, tf, venue, symbol, &w.StartMs, &w.EndMsExcl, maxGapsScanned)
	if err != nil {
		return Window{}, err
	}
	if len(gaps) == 0 {
		return w, nil
	}

	minLenMs := int64(minWindowCandles) * tfMs
	cursor := w.StartMs
	var best Window
	bestLen := int64(-1)
	for _, g := range gaps {
		segLen := g.StartMs - cursor
		if segLen > bestLen {
			bestLen = segLen
			best = Window{StartMs: cursor, EndMsExcl: g.StartMs}
		}
		cursor = g.EndMsExcl
	}
	if tailLen := w.EndMsExcl - cursor; tailLen > bestLen {
		bestLen = tailLen
		best = Window{StartMs: cursor, EndMsExcl: w.EndMsExcl}
	}

	if bestLen < minLenMs {
		return Window{}, errs.Wrap(errs.ErrResolverEmpty,
			"no contiguous window >= %d candles for %s/%s/%s; longest observed segment is %d ms", minWindowCandles, venue, symbol, tf, bestLen)
	}
	return best, nil
}

// RuntimeBar is one item of the synthetic-fill stream: a real or
// manufactured bar plus whether it was manufactured.
type RuntimeBar struct {
	Bar         bar.OHLCV
	IsSynthetic bool
}

// FillMissing returns a push iterator (Go 1.23+ range-over-func style) over
// the full grid [w.StartMs, w.EndMsExcl) given sparse real bars already
// filtered to that window. Before the first real bar ("anchor"), missing
// grid points are skipped. After the anchor, each missing grid point yields
// a synthetic bar carrying the last real close forward at zero volume.
func FillMissing(bars []bar.OHLCV, w Window, tfMs int64) func(yield func(RuntimeBar) bool) {
	return func(yield func(RuntimeBar) bool) {
		idx := 0
		haveAnchor := false
		var lastClose float64

		for cursor := w.StartMs; cursor < w.EndMsExcl; cursor += tfMs {
			if idx < len(bars) && bars[idx].TsMs == cursor {
				b := bars[idx]
				idx++
				haveAnchor = true
				lastClose = b.Close
				if !yield(RuntimeBar{Bar: b, IsSynthetic: false}) {
					return
				}
				continue
			}

			if !haveAnchor {
				continue // market did not yet exist at this grid point
			}

			synth := bar.OHLCV{TsMs: cursor, Open: lastClose, High: lastClose, Low: lastClose, Close: lastClose, Volume: 0}
			if !yield(RuntimeBar{Bar: synth, IsSynthetic: true}) {
				return
			}
		}
	}
}

// ReadRuntimeWindow is the full read-path convenience call: resolve
// coverage, narrow to the longest contiguous segment, load the real bars,
// and return a synthetic-fill iterator over the selected window.
func ReadRuntimeWindow(ctx context.Context, st Store, venue, symbol, tf string, reqStart, reqEnd *int64, minWindowCandles int) (func(yield func(RuntimeBar) bool), Window, error) {
	resolved, err := ResolveCoverage(ctx, st, venue, symbol, tf, reqStart, reqEnd)
	if err != nil {
		return nil, Window{}, err
	}
	selected, err := SelectContiguousWindow(ctx, st, venue, symbol, tf, resolved, minWindowCandles)
	if err != nil {
		return nil, Window{}, err
	}
	tfMs, err := timeframe.ToMillis(tf)
	if err != nil {
		return nil, Window{}, err
	}
	bars, err := st.ReadBars(ctx, tf, venue, symbol, selected.StartMs, selected.EndMsExcl)
	if err != nil {
		return nil, Window{}, err
	}
	return FillMissing(bars, selected, tfMs), selected, nil
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d)", w.StartMs, w.EndMsExcl)
}
