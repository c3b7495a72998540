// Package backfill implements the per-(venue,symbol,timeframe) bootstrap
// and tail-update loop, generalizing updateOHLCVGeneric's cursor pattern
// and BackfillService.run's bootstrap/tail-update split.
package backfill

import (
	"context"

	"github.com/sirupsen/logrus"

	"barplant/internal/adapter"
	"barplant/internal/bar"
	"barplant/internal/errs"
	"barplant/internal/timeframe"
)

const pageLimit = 1000

// Store is the subset of store.Store the backfill service needs.
type Store interface {
	EnsureBarsTable(ctx context.Context, tf string) error
	UpsertBars(ctx context.Context, tf, venue, symbol string, bars []bar.OHLCV) (int, error)
	MaxTS(ctx context.Context, tf, venue, symbol string) (*int64, error)
	MinMaxTS(ctx context.Context, tf, venue, symbol string) (minTS, maxTS int64, ok bool, err error)
	GetCoverage(ctx context.Context, venue, symbol, tf string) (*bar.CoverageRow, error)
	UpsertCoverage(ctx context.Context, row bar.CoverageRow) error
}

// Service runs the backfill loop against a Store and a registry of
// per-venue adapters.
type Service struct {
	store     Store
	adapters  adapter.Registry
	log       logrus.FieldLogger
	nowMillis func() int64
}

// New builds a backfill Service.
func New(store Store, adapters adapter.Registry, log logrus.FieldLogger) *Service {
	return &Service{store: store, adapters: adapters, log: log, nowMillis: timeframe.NowMillis}
}

// Spec describes one ensure_history request for a single timeframe.
type Spec struct {
	Venue     string
	Symbol    string
	Timeframe string
	StartMs   int64
	EndMs     int64
}

// EnsureHistory runs the bootstrap-or-tail-update loop for spec.Timeframe
// and leaves coverage consistent with what was actually written.
func (s *Service) EnsureHistory(ctx context.Context, spec Spec) error {
	log := s.log.WithFields(logrus.Fields{"venue": spec.Venue, "symbol": spec.Symbol, "tf": spec.Timeframe})

	a, ok := s.adapters[spec.Venue]
	if !ok {
		return errs.Wrap(errs.ErrUnknownVenue, "venue %q", spec.Venue)
	}
	tfMs, err := timeframe.ToMillis(spec.Timeframe)
	if err != nil {
		return err
	}
	spec.StartMs = timeframe.Floor(spec.StartMs, tfMs)
	spec.EndMs = timeframe.Floor(spec.EndMs, tfMs)
	if spec.EndMs <= spec.StartMs {
		return errs.Wrap(errs.ErrInvalidInput, "end_ms %d <= start_ms %d", spec.EndMs, spec.StartMs)
	}

	if err := s.store.EnsureBarsTable(ctx, spec.Timeframe); err != nil {
		return err
	}

	maxTS, err := s.store.MaxTS(ctx, spec.Timeframe, spec.Venue, spec.Symbol)
	if err != nil {
		return err
	}

	var cursor int64
	if maxTS == nil {
		cursor = spec.StartMs
		log.Info("history empty, bootstrapping")
	} else {
		cursor = max64(*maxTS+tfMs, spec.StartMs)
		if cursor >= spec.EndMs {
			log.WithField("max_ts", *maxTS).Info("history up to date, refreshing coverage only")
			return s.refreshCoverage(ctx, spec, tfMs, log)
		}
		log.WithFields(logrus.Fields{"max_ts": *maxTS, "fetch_start": cursor}).Info("history present, tail update")
	}

	pages, totalRows := 0, 0
	for cursor < spec.EndMs {
		rows, err := a.FetchOHLCV(ctx, spec.Symbol, spec.Timeframe, cursor, spec.EndMs, pageLimit)
		if err != nil {
			return errs.Wrap(errs.ErrAdapterExhausted, "backfill fetch tf=%s cursor=%d: %v", spec.Timeframe, cursor, err)
		}
		if len(rows) == 0 {
			log.WithField("cursor", cursor).Warn("backfill got 0 rows, stopping")
			break
		}

		wrote, err := s.store.UpsertBars(ctx, spec.Timeframe, spec.Venue, spec.Symbol, rows)
		if err != nil {
			return err
		}
		pages++
		totalRows += wrote

		lastTS := timeframe.Floor(rows[len(rows)-1].TsMs, tfMs)
		next := lastTS + tfMs
		if next <= cursor {
			return errs.Wrap(errs.ErrInvariantViolated, "backfill cursor did not advance tf=%s cursor=%d last_ts=%d", spec.Timeframe, cursor, lastTS)
		}
		cursor = next

		if pages%10 == 0 {
			log.WithFields(logrus.Fields{"pages": pages, "total_rows": totalRows, "cursor": cursor}).Info("backfill progress")
		}
	}
	log.WithFields(logrus.Fields{"pages": pages, "total_rows": totalRows}).Info("backfill done")

	return s.refreshCoverage(ctx, spec, tfMs, log)
}

func (s *Service) refreshCoverage(ctx context.Context, spec Spec, tfMs int64, log logrus.FieldLogger) error {
	minTS, maxTS, ok, err := s.store.MinMaxTS(ctx, spec.Timeframe, spec.Venue, spec.Symbol)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("backfill wrote no rows, coverage left untouched")
		return nil
	}

	prev, err := s.store.GetCoverage(ctx, spec.Venue, spec.Symbol, spec.Timeframe)
	if err != nil {
		return err
	}
	next := bar.CoverageRow{
		Venue:       spec.Venue,
		Symbol:      spec.Symbol,
		Timeframe:   spec.Timeframe,
		StartMs:     minTS,
		EndMs:       maxTS + tfMs,
		UpdatedAtMs: s.nowMillis(),
	}
	if prev != nil {
		// start_ms never shrinks beyond a previously stored value.
		if prev.StartMs < next.StartMs {
			next.StartMs = prev.StartMs
		}
	}
	if err := bar.MonotonicUpdate(prev, next); err != nil {
		return err
	}
	if err := s.store.UpsertCoverage(ctx, next); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"start_ms": next.StartMs, "end_ms": next.EndMs}).Info("coverage updated")
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
