// Command plant is the thin CLI entry point over the market-data plant
// core: backfill runs the full plant EnsureHistory (backfill of the first
// timeframe, gap-repair, then aggregation of the other timeframes), while
// aggregate and repair call the aggregator and gap-repair service directly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"barplant/internal/aggregate"
	"barplant/internal/config"
	"barplant/internal/errs"
	"barplant/internal/plant"
	"barplant/internal/repair"
	"barplant/internal/store"
	"barplant/internal/timeframe"
)

const (
	exitOK                 = 0
	exitConfigError        = 2
	exitAdapterFailure     = 3
	exitInvariantViolation = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: plant <backfill|aggregate|repair> [flags]")
		return exitConfigError
	}

	log := config.NewLogger()
	ctx := context.Background()

	switch args[0] {
	case "backfill":
		return runBackfill(ctx, log, args[1:])
	case "aggregate":
		return runAggregate(ctx, log, args[1:])
	case "repair":
		return runRepair(ctx, log, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		return exitConfigError
	}
}

func runBackfill(ctx context.Context, log *logrus.Logger, args []string) int {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	venue := fs.String("venue", "", "venue identifier, e.g. polygon")
	symbol := fs.String("symbol", "", "symbol, e.g. AAPL")
	tfList := fs.String("tf", "", "comma-separated timeframe list, e.g. 1m,5m,1h")
	startStr := fs.String("start", "", "start date, ISO-8601")
	endStr := fs.String("end", "", "end date, ISO-8601 (default: now)")
	chunkDays := fs.Int("chunk-days", 30, "aggregation chunk size in days")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	if *venue == "" || *symbol == "" || *tfList == "" || *startStr == "" {
		fmt.Fprintln(os.Stderr, "backfill requires -venue -symbol -tf -start")
		return exitConfigError
	}
	tfs := splitCSV(*tfList)
	startMs, err := timeframe.ParseISO8601UTC(*startStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	endMs := timeframe.NowMillis()
	if *endStr != "" {
		endMs, err = timeframe.ParseISO8601UTC(*endStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfigError
		}
	}

	res, err := config.Connect(ctx, log, 90*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	defer res.Close()

	st := store.New(res.DB)
	if err := st.EnsureSchema(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvariantViolation
	}

	p := plant.New(st, res.Adapters, plant.DefaultConfig(tfs[0]), log)
	req := plant.Request{
		Venue: *venue, Symbol: *symbol, Timeframes: tfs,
		StartMs: startMs, EndMs: endMs, BaseTf: tfs[0], ChunkDays: *chunkDays,
	}
	if err := p.EnsureHistory(ctx, req); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExit(err)
	}
	return exitOK
}

func runAggregate(ctx context.Context, log *logrus.Logger, args []string) int {
	fs := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	venue := fs.String("venue", "", "venue identifier")
	symbol := fs.String("symbol", "", "symbol")
	baseTf := fs.String("base-tf", "1m", "base timeframe already backfilled")
	tf := fs.String("tf", "", "target timeframe")
	startStr := fs.String("start", "", "start date, ISO-8601 (default: epoch)")
	endStr := fs.String("end", "", "end date, ISO-8601 (default: now)")
	chunkDays := fs.Int("chunk-days", 30, "chunk size in days")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	if *venue == "" || *symbol == "" || *tf == "" {
		fmt.Fprintln(os.Stderr, "aggregate requires -venue -symbol -tf")
		return exitConfigError
	}

	var startMs int64
	var err error
	if *startStr != "" {
		startMs, err = timeframe.ParseISO8601UTC(*startStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfigError
		}
	}
	endMs := timeframe.NowMillis()
	if *endStr != "" {
		endMs, err = timeframe.ParseISO8601UTC(*endStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfigError
		}
	}

	res, err := config.Connect(ctx, log, 90*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	defer res.Close()

	st := store.New(res.DB)
	if err := st.EnsureSchema(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvariantViolation
	}

	written, err := aggregate.BuildChunked(ctx, st, *venue, *symbol, *baseTf, *tf, startMs, endMs, *chunkDays)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return classifyExit(err)
	}
	log.WithFields(logrus.Fields{"rows_written": written}).Info("aggregate complete")
	return exitOK
}

func runRepair(ctx context.Context, log *logrus.Logger, args []string) int {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	venue := fs.String("venue", "", "venue identifier")
	symbol := fs.String("symbol", "", "symbol")
	tfList := fs.String("tf", "", "comma-separated timeframe list")
	scanStartStr := fs.String("scan-start", "", "scan window start, ISO-8601 (default: unbounded)")
	scanEndStr := fs.String("scan-end", "", "scan window end, ISO-8601 (default: unbounded)")
	maxGapMinutes := fs.Int("max-gap-minutes", repair.DefaultConfig().MaxGapMinutes, "skip gaps longer than this")
	chunkLimit := fs.Int("chunk-limit", repair.DefaultConfig().ChunkLimit, "candles per adapter request")
	maxRanges := fs.Int("max-ranges", repair.DefaultConfig().MaxRanges, "maximum gaps attempted per call")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	if *venue == "" || *symbol == "" || *tfList == "" {
		fmt.Fprintln(os.Stderr, "repair requires -venue -symbol -tf")
		return exitConfigError
	}

	var scanStart, scanEnd *int64
	if *scanStartStr != "" {
		v, err := timeframe.ParseISO8601UTC(*scanStartStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfigError
		}
		scanStart = &v
	}
	if *scanEndStr != "" {
		v, err := timeframe.ParseISO8601UTC(*scanEndStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfigError
		}
		scanEnd = &v
	}

	res, err := config.Connect(ctx, log, 90*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	defer res.Close()

	st := store.New(res.DB)
	if err := st.EnsureSchema(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInvariantViolation
	}

	cfg := repair.Config{MaxGapMinutes: *maxGapMinutes, ChunkLimit: *chunkLimit, MaxRanges: *maxRanges}
	svc := repair.New(st, res.Adapters, cfg, log)

	for _, tf := range splitCSV(*tfList) {
		attempted, err := svc.RepairGaps(ctx, *venue, *symbol, tf, scanStart, scanEnd)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return classifyExit(err)
		}
		log.WithFields(logrus.Fields{"tf": tf, "gaps_attempted": attempted}).Info("repair complete")
	}
	return exitOK
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func classifyExit(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvariantViolated):
		return exitInvariantViolation
	case errors.Is(err, errs.ErrAdapterExhausted), errors.Is(err, errs.ErrAdapterPermanent):
		return exitAdapterFailure
	case errors.Is(err, errs.ErrInvalidInput), errors.Is(err, errs.ErrUnknownVenue):
		return exitConfigError
	default:
		return exitAdapterFailure
	}
}
