// Package plant implements the market-data plant orchestrator: one call to
// EnsureHistory drives backfill, gap-repair, and derived-timeframe
// aggregation for a (venue, symbol) pair, grounded on
// MarketDataPlant.ensure_history.
package plant

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"barplant/internal/adapter"
	"barplant/internal/aggregate"
	"barplant/internal/backfill"
	"barplant/internal/bar"
	"barplant/internal/errs"
	"barplant/internal/repair"
	"barplant/internal/timeframe"
)

var tracer = otel.Tracer("barplant/plant")

// Store is the union of every store capability the plant's sub-stages need.
type Store interface {
	backfill.Store
	aggregate.Store
	repair.Store
}

// Plant orchestrates backfill, gap-repair, and aggregation for one venue's
// adapter against a shared store.
type Plant struct {
	backfillSvc *backfill.Service
	repairSvc   *repair.Service
	store       Store
	log         logrus.FieldLogger
	aggSem      *semaphore.Weighted
	repairCfg   repair.Config
	overlapMs   int64
}

// Config tunes the plant's orchestration knobs beyond backfill/repair
// defaults.
type Config struct {
	BaseTimeframe       string
	ChunkDays           int
	MaxConcurrentAggs   int64 // semaphore weight for concurrent derived-tf aggregation
	RepairCfg           repair.Config
	AggregateOverlapMs  int64 // how far back from prev coverage end to re-aggregate, to cover late-arriving base revisions
}

// DefaultConfig returns a Config for the given base timeframe with 30-day
// aggregation chunks, up to 4 concurrent derived timeframes, and no overlap
// on re-aggregation.
func DefaultConfig(baseTf string) Config {
	return Config{
		BaseTimeframe:      baseTf,
		ChunkDays:          30,
		MaxConcurrentAggs:  4,
		RepairCfg:          repair.DefaultConfig(),
		AggregateOverlapMs: 0,
	}
}

// New builds a Plant. store must satisfy backfill.Store, aggregate.Store,
// and repair.Store simultaneously (the concrete *store.Store does).
func New(store Store, adapters adapter.Registry, cfg Config, log logrus.FieldLogger) *Plant {
	weight := cfg.MaxConcurrentAggs
	if weight <= 0 {
		weight = 1
	}
	return &Plant{
		backfillSvc: backfill.New(store, adapters, log),
		repairSvc:   repair.New(store, adapters, cfg.RepairCfg, log),
		store:       store,
		log:         log,
		aggSem:      semaphore.NewWeighted(weight),
		repairCfg:   cfg.RepairCfg,
		overlapMs:   cfg.AggregateOverlapMs,
	}
}

// Request describes one ensure_history call.
type Request struct {
	Venue       string
	Symbol      string
	Timeframes  []string // need not include the base tf; it is always added
	StartMs     int64
	EndMs       int64
	BaseTf      string
	ChunkDays   int
}

// EnsureHistory runs the full orchestration: backfill the base timeframe,
// repair its gaps, then aggregate every derived timeframe concurrently.
func (p *Plant) EnsureHistory(ctx context.Context, req Request) error {
	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "plant.EnsureHistory")
	defer span.End()

	log := p.log.WithFields(logrus.Fields{
		"run_id": runID, "venue": req.Venue, "symbol": req.Symbol,
	})

	tfs, err := normalizeTimeframes(req.BaseTf, req.Timeframes)
	if err != nil {
		return err
	}
	if req.EndMs <= req.StartMs {
		return errs.Wrap(errs.ErrInvalidInput, "end_ms %d <= start_ms %d", req.EndMs, req.StartMs)
	}
	baseTfMs, err := timeframe.ToMillis(req.BaseTf)
	if err != nil {
		return err
	}
	chunkDays := req.ChunkDays
	if chunkDays <= 0 {
		chunkDays = 30
	}

	log.WithField("timeframes", tfs).Info("ensure_history starting")

	if err := p.runBackfill(ctx, log, req); err != nil {
		return err
	}
	if err := p.runRepair(ctx, log, req, baseTfMs); err != nil {
		return err
	}

	derived := make([]string, 0, len(tfs))
	for _, tf := range tfs {
		if tf != req.BaseTf {
			derived = append(derived, tf)
		}
	}
	if len(derived) == 0 {
		log.Info("ensure_history complete, no derived timeframes requested")
		return nil
	}

	return p.runDerivedAggregations(ctx, log, req, derived, chunkDays)
}

func (p *Plant) runBackfill(ctx context.Context, log logrus.FieldLogger, req Request) error {
	ctx, span := tracer.Start(ctx, "plant.backfill")
	defer span.End()

	spec := backfill.Spec{
		Venue: req.Venue, Symbol: req.Symbol, Timeframe: req.BaseTf,
		StartMs: req.StartMs, EndMs: req.EndMs,
	}
	if err := p.backfillSvc.EnsureHistory(ctx, spec); err != nil {
		log.WithError(err).Error("backfill failed")
		return err
	}
	return nil
}

func (p *Plant) runRepair(ctx context.Context, log logrus.FieldLogger, req Request, baseTfMs int64) error {
	ctx, span := tracer.Start(ctx, "plant.repair")
	defer span.End()

	scanStart := timeframe.Floor(req.StartMs, baseTfMs)
	scanEnd := timeframe.Ceil(req.EndMs, baseTfMs)
	attempted, err := p.repairSvc.RepairGaps(ctx, req.Venue, req.Symbol, req.BaseTf, &scanStart, &scanEnd)
	if err != nil {
		log.WithError(err).Error("gap-repair failed")
		return err
	}
	log.WithField("gaps_attempted", attempted).Info("gap-repair complete")
	return nil
}

// runDerivedAggregations runs one aggregator pass per derived timeframe,
// bounded by the plant's semaphore. Each target reads the same base rows
// and writes disjoint bars_{tf} tables and disjoint coverage rows, so
// concurrent execution is safe.
func (p *Plant) runDerivedAggregations(ctx context.Context, log logrus.FieldLogger, req Request, derived []string, chunkDays int) error {
	ctx, span := tracer.Start(ctx, "plant.aggregate_derived")
	defer span.End()

	errCh := make(chan error, len(derived))
	for _, tf := range derived {
		tf := tf
		if err := p.aggSem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func() {
			defer p.aggSem.Release(1)
			errCh <- p.aggregateOne(ctx, log, req, tf, chunkDays)
		}()
	}

	var firstErr error
	for range derived {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Plant) aggregateOne(ctx context.Context, log logrus.FieldLogger, req Request, targetTf string, chunkDays int) error {
	tfLog := log.WithField("target_tf", targetTf)

	targetTfMs, err := timeframe.ToMillis(targetTf)
	if err != nil {
		return err
	}
	baseTfMs, err := timeframe.ToMillis(req.BaseTf)
	if err != nil {
		return err
	}

	baseCov, err := p.getCoverage(ctx, req.Venue, req.Symbol, req.BaseTf)
	if err != nil {
		return err
	}
	if baseCov == nil {
		tfLog.Warn("base series has no coverage yet, skipping derived aggregation")
		return nil
	}
	derivedEndExcl := timeframe.Floor(baseCov.EndMs, targetTfMs)

	prevCov, err := p.getCoverage(ctx, req.Venue, req.Symbol, targetTf)
	if err != nil {
		return err
	}
	if prevCov != nil && derivedEndExcl <= prevCov.EndMs {
		tfLog.Info("no new completed bucket for derived timeframe, skipping")
		return nil
	}

	startMs := timeframe.Floor(req.StartMs, targetTfMs)
	if prevCov != nil {
		overlapStart := prevCov.EndMs - p.overlapMs
		if overlapStart > startMs {
			startMs = overlapStart
		}
	}
	if startMs >= derivedEndExcl {
		tfLog.Info("derived aggregation window empty, skipping")
		return nil
	}

	written, err := aggregate.BuildChunked(ctx, p.store, req.Venue, req.Symbol, req.BaseTf, targetTf, startMs, derivedEndExcl, chunkDays)
	if err != nil {
		tfLog.WithError(err).Error("aggregation failed")
		return err
	}
	tfLog.WithField("rows_written", written).Info("derived aggregation complete")

	if written == 0 && prevCov != nil {
		return nil
	}
	next := bar.CoverageRow{
		Venue: req.Venue, Symbol: req.Symbol, Timeframe: targetTf,
		StartMs: firstNonZero(prevCov, startMs), EndMs: derivedEndExcl, UpdatedAtMs: timeframe.NowMillis(),
	}
	if err := bar.MonotonicUpdate(prevCov, next); err != nil {
		return err
	}
	return p.store.UpsertCoverage(ctx, next)
}

func firstNonZero(prev *bar.CoverageRow, startMs int64) int64 {
	if prev == nil {
		return startMs
	}
	if prev.StartMs < startMs {
		return prev.StartMs
	}
	return startMs
}

func (p *Plant) getCoverage(ctx context.Context, venue, symbol, tf string) (*bar.CoverageRow, error) {
	return p.store.GetCoverage(ctx, venue, symbol, tf)
}

// normalizeTimeframes dedupes and validates the requested timeframe list,
// always including the base timeframe.
func normalizeTimeframes(baseTf string, requested []string) ([]string, error) {
	if baseTf == "" {
		return nil, errs.Wrap(errs.ErrInvalidInput, "base timeframe must not be empty")
	}
	if _, err := timeframe.ToMillis(baseTf); err != nil {
		return nil, err
	}

	seen := map[string]bool{baseTf: true}
	out := []string{baseTf}
	for _, tf := range requested {
		if tf == "" || seen[tf] {
			continue
		}
		if _, err := timeframe.ToMillis(tf); err != nil {
			return nil, err
		}
		seen[tf] = true
		out = append(out, tf)
	}
	sort.Slice(out[1:], func(i, j int) bool { return out[1:][i] < out[1:][j] })
	return out, nil
}
