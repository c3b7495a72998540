// Package aggregate rolls a base timeframe up into higher timeframes using
// completed-bucket-only, chunked, boundary-safe aggregation, grounded on the
// build_aggregates/aggregate_from_1m and ohlcv_orchestrator.go's chunked
// month-at-a-time processing idiom.
package aggregate

import (
	"context"

	"barplant/internal/bar"
	"barplant/internal/errs"
	"barplant/internal/timeframe"
)

// Store is the subset of store.Store the aggregator needs.
type Store interface {
	EnsureBarsTable(ctx context.Context, tf string) error
	ReadBars(ctx context.Context, tf, venue, symbol string, startMs, endMsExcl int64) ([]bar.OHLCV, error)
	UpsertBars(ctx context.Context, tf, venue, symbol string, bars []bar.OHLCV) (int, error)
}

// FromBase aggregates base bars (sorted ascending by TsMs) into target-
// timeframe buckets using bucket-floor. completeEndMs bounds which buckets
// are considered "complete": a bucket starting at b is only emitted if
// b+targetTfMs <= completeEndMs, matching the completed-bucket-only rule.
func FromBase(base []bar.OHLCV, targetTfMs int64, completeEndMs int64) []bar.OHLCV {
	if len(base) == 0 {
		return nil
	}

	var out []bar.OHLCV
	var cur *bar.OHLCV

	for _, b := range base {
		bucket := timeframe.Floor(b.TsMs, targetTfMs)
		if bucket+targetTfMs > completeEndMs {
			continue // trailing partial bucket, left for the next chunk
		}

		if cur == nil || cur.TsMs != bucket {
			if cur != nil {
				out = append(out, *cur)
			}
			acc := bar.OHLCV{TsMs: bucket, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
			cur = &acc
			continue
		}

		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// BuildChunked reads base bars from the store in chunkDays-sized windows and
// writes completed target-timeframe buckets, extending each chunk's read
// window leftward by targetTfMs so a bucket spanning the chunk boundary is
// fully visible. Repeated runs over the same range are idempotent.
func BuildChunked(ctx context.Context, st Store, venue, symbol, baseTf, targetTf string, startMs, endMs int64, chunkDays int) (int, error) {
	if chunkDays <= 0 {
		return 0, errs.Wrap(errs.ErrInvalidInput, "chunk_days must be positive, got %d", chunkDays)
	}
	targetTfMs, err := timeframe.ToMillis(targetTf)
	if err != nil {
		return 0, err
	}
	if err := st.EnsureBarsTable(ctx, targetTf); err != nil {
		return 0, err
	}

	const dayMs = 86_400_000
	chunkMs := int64(chunkDays) * dayMs

	written := 0
	cursor := startMs
	for cursor < endMs {
		chunkEnd := minInt64(cursor+chunkMs, endMs)
		completeEnd := timeframe.Floor(chunkEnd, targetTfMs)

		readStart := cursor - targetTfMs
		if readStart < 0 {
			readStart = 0
		}

		baseBars, err := st.ReadBars(ctx, baseTf, venue, symbol, readStart, chunkEnd)
		if err != nil {
			return written, err
		}
		if len(baseBars) > 0 {
			agg := FromBase(baseBars, targetTfMs, completeEnd)

			floorCursor := timeframe.Floor(cursor, targetTfMs)
			var toWrite []bar.OHLCV
			for _, b := range agg {
				if b.TsMs >= floorCursor && b.TsMs < completeEnd {
					toWrite = append(toWrite, b)
				}
			}
			if len(toWrite) > 0 {
				n, err := st.UpsertBars(ctx, targetTf, venue, symbol, toWrite)
				if err != nil {
					return written, err
				}
				written += n
			}
		}
		cursor = chunkEnd
	}
	return written, nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
