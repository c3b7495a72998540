// Package repair implements the gap-repair state machine: scan -> fetch ->
// probe -> mark-missing, grounded call-for-call on
// GapRepairService.repair_gaps.
package repair

import (
	"context"

	"github.com/sirupsen/logrus"

	"barplant/internal/adapter"
	"barplant/internal/bar"
	"barplant/internal/errs"
	"barplant/internal/timeframe"
)

// Store is the subset of store.Store gap-repair needs.
type Store interface {
	FindGaps(ctx context.Context, tf, venue, symbol string, startMs, endMsExcl *int64, limit int) ([]bar.GapRange, error)
	IsKnownMissing(ctx context.Context, venue, symbol, tf string, startMs, endMsExcl int64) (bool, error)
	RecordKnownMissing(ctx context.Context, row bar.KnownMissingRange) error
	UpsertBars(ctx context.Context, tf, venue, symbol string, bars []bar.OHLCV) (int, error)
}

// Config tunes the repair loop's safety caps, matching GapRepairConfig.
type Config struct {
	MaxGapMinutes int
	ChunkLimit    int // candles per adapter request, e.g. Polygon/Binance page limit
	MaxRanges     int
}

// DefaultConfig mirrors GapRepairConfig's defaults.
func DefaultConfig() Config {
	return Config{MaxGapMinutes: 60 * 24 * 14, ChunkLimit: 1000, MaxRanges: 200}
}

// Service runs gap-repair against a Store and adapter registry.
type Service struct {
	store     Store
	adapters  adapter.Registry
	cfg       Config
	log       logrus.FieldLogger
	nowMillis func() int64
}

// New builds a repair Service.
func New(store Store, adapters adapter.Registry, cfg Config, log logrus.FieldLogger) *Service {
	return &Service{store: store, adapters: adapters, cfg: cfg, log: log, nowMillis: timeframe.NowMillis}
}

// RepairGaps scans [scanStartMs, scanEndMsExcl) for gaps and attempts to
// refill each one, bounded by Config.MaxRanges and Config.MaxGapMinutes.
// Returns the number of gaps attempted (as opposed to skipped as too large).
func (s *Service) RepairGaps(ctx context.Context, venue, symbol, tf string, scanStartMs, scanEndMsExcl *int64) (int, error) {
	log := s.log.WithFields(logrus.Fields{"venue": venue, "symbol": symbol, "tf": tf})

	a, ok := s.adapters[venue]
	if !ok {
		return 0, errs.Wrap(errs.ErrUnknownVenue, "venue %q", venue)
	}
	tfMs, err := timeframe.ToMillis(tf)
	if err != nil {
		return 0, err
	}

	gaps, err := s.store.FindGaps(ctx, tf, venue, symbol, scanStartMs, scanEndMsExcl, s.cfg.MaxRanges)
	if err != nil {
		return 0, err
	}
	if len(gaps) == 0 {
		log.Info("no gaps found")
		return 0, nil
	}
	log.WithField("count", len(gaps)).Warn("found gap ranges")

	maxGapMs := int64(s.cfg.MaxGapMinutes) * 60_000
	chunkMs := int64(s.cfg.ChunkLimit) * tfMs

	attempted := 0
	for _, g := range gaps {
		gapLen := g.Len()
		if gapLen <= 0 {
			continue
		}
		if gapLen > maxGapMs {
			log.WithFields(logrus.Fields{"start_ms": g.StartMs, "end_ms_excl": g.EndMsExcl, "len_ms": gapLen}).Warn("skipping huge gap")
			continue
		}

		attempted++
		if err := s.repairOneGap(ctx, a, log, venue, symbol, tf, tfMs, g, chunkMs); err != nil {
			return attempted, err
		}
	}
	return attempted, nil
}

func (s *Service) repairOneGap(ctx context.Context, a adapter.Adapter, log logrus.FieldLogger, venue, symbol, tf string, tfMs int64, g bar.GapRange, chunkMs int64) error {
	cursor := timeframe.Floor(g.StartMs, tfMs)
	endExcl := timeframe.Ceil(g.EndMsExcl, tfMs)

	for cursor < endExcl {
		windowEnd := minInt64(cursor+chunkMs, endExcl)

		known, err := s.store.IsKnownMissing(ctx, venue, symbol, tf, cursor, windowEnd)
		if err != nil {
			return err
		}
		if known {
			log.WithFields(logrus.Fields{"start_ms": cursor, "end_ms_excl": windowEnd}).Info("skipping known-missing chunk")
			cursor = windowEnd
			continue
		}

		rows, err := a.FetchOHLCV(ctx, symbol, tf, cursor, windowEnd, s.cfg.ChunkLimit)
		if err != nil {
			return errs.Wrap(errs.ErrAdapterExhausted, "repair fetch tf=%s [%d,%d): %v", tf, cursor, windowEnd, err)
		}

		if len(rows) > 0 {
			wrote, err := s.store.UpsertBars(ctx, tf, venue, symbol, rows)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"start_ms": cursor, "end_ms_excl": windowEnd, "fetched": len(rows), "upserted": wrote}).Info("gap chunk filled")
		} else {
			log.WithFields(logrus.Fields{"start_ms": cursor, "end_ms_excl": windowEnd}).Warn("gap chunk fetched 0 rows")

			probe, err := a.FetchOHLCV(ctx, symbol, tf, cursor, endExcl, 1)
			if err != nil {
				return errs.Wrap(errs.ErrAdapterExhausted, "repair probe tf=%s cursor=%d: %v", tf, cursor, err)
			}

			if len(probe) == 0 {
				if err := s.markKnownMissing(ctx, venue, symbol, tf, cursor, windowEnd, "probe_empty", log); err != nil {
					return err
				}
			} else if probe[0].TsMs >= windowEnd {
				if err := s.markKnownMissing(ctx, venue, symbol, tf, cursor, windowEnd, "probe_next_bar_after_window", log); err != nil {
					return err
				}
			}
			// Otherwise: there is data inside the window but this fetch
			// returned nothing; treat as transient and move on without
			// recording known-missing.
		}

		cursor = windowEnd
	}
	return nil
}

func (s *Service) markKnownMissing(ctx context.Context, venue, symbol, tf string, start, endExcl int64, reason string, log logrus.FieldLogger) error {
	if err := s.store.RecordKnownMissing(ctx, bar.KnownMissingRange{
		Venue: venue, Symbol: symbol, Timeframe: tf,
		StartMs: start, EndMsExcl: endExcl, Reason: reason, UpdatedAtMs: s.nowMillis(),
	}); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"start_ms": start, "end_ms_excl": endExcl, "reason": reason}).Info("marked known-missing")
	return nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
