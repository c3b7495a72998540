package plant

import (
	"context"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"barplant/internal/adapter"
	"barplant/internal/bar"
)

// fakeStore is an in-memory implementation of plant.Store sufficient to
// drive a full EnsureHistory call without a database.
type fakeStore struct {
	bars     map[string][]bar.OHLCV // keyed by tf
	coverage map[string]bar.CoverageRow
	known    []bar.KnownMissingRange
}

func newFakeStore() *fakeStore {
	return &fakeStore{bars: map[string][]bar.OHLCV{}, coverage: map[string]bar.CoverageRow{}}
}

func covKey(venue, symbol, tf string) string { return venue + "/" + symbol + "/" + tf }

func (f *fakeStore) EnsureBarsTable(ctx context.Context, tf string) error { return nil }

func (f *fakeStore) UpsertBars(ctx context.Context, tf, venue, symbol string, bars []bar.OHLCV) (int, error) {
	existing := map[int64]int{}
	for i, b := range f.bars[tf] {
		existing[b.TsMs] = i
	}
	for _, b := range bars {
		if i, ok := existing[b.TsMs]; ok {
			f.bars[tf][i] = b
		} else {
			f.bars[tf] = append(f.bars[tf], b)
		}
	}
	sort.Slice(f.bars[tf], func(i, j int) bool { return f.bars[tf][i].TsMs < f.bars[tf][j].TsMs })
	return len(bars), nil
}

func (f *fakeStore) ReadBars(ctx context.Context, tf, venue, symbol string, startMs, endMsExcl int64) ([]bar.OHLCV, error) {
	var out []bar.OHLCV
	for _, b := range f.bars[tf] {
		if b.TsMs >= startMs && b.TsMs < endMsExcl {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) MaxTS(ctx context.Context, tf, venue, symbol string) (*int64, error) {
	rows := f.bars[tf]
	if len(rows) == 0 {
		return nil, nil
	}
	ts := rows[len(rows)-1].TsMs
	return &ts, nil
}

func (f *fakeStore) MinMaxTS(ctx context.Context, tf, venue, symbol string) (int64, int64, bool, error) {
	rows := f.bars[tf]
	if len(rows) == 0 {
		return 0, 0, false, nil
	}
	return rows[0].TsMs, rows[len(rows)-1].TsMs, true, nil
}

func (f *fakeStore) GetCoverage(ctx context.Context, venue, symbol, tf string) (*bar.CoverageRow, error) {
	row, ok := f.coverage[covKey(venue, symbol, tf)]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (f *fakeStore) UpsertCoverage(ctx context.Context, row bar.CoverageRow) error {
	f.coverage[covKey(row.Venue, row.Symbol, row.Timeframe)] = row
	return nil
}

func (f *fakeStore) FindGaps(ctx context.Context, tf, venue, symbol string, startMs, endMsExcl *int64, limit int) ([]bar.GapRange, error) {
	return nil, nil // no gaps in this fake; repair.go tests cover the state machine directly
}

func (f *fakeStore) IsKnownMissing(ctx context.Context, venue, symbol, tf string, startMs, endMsExcl int64) (bool, error) {
	return false, nil
}

func (f *fakeStore) RecordKnownMissing(ctx context.Context, row bar.KnownMissingRange) error {
	f.known = append(f.known, row)
	return nil
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestEnsureHistoryBackfillsBaseAndAggregatesDerived(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()

	fa := adapter.NewFakeAdapter("binance")
	var oneMinBars []bar.OHLCV
	for i := int64(0); i < 15; i++ {
		oneMinBars = append(oneMinBars, bar.OHLCV{TsMs: i * 60_000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	}
	fa.Seed("BTCUSDT", "1m", oneMinBars)

	cfg := DefaultConfig("1m")
	p := New(st, adapter.NewRegistry(fa), cfg, testLog())

	err := p.EnsureHistory(ctx, Request{
		Venue: "binance", Symbol: "BTCUSDT", Timeframes: []string{"5m"},
		StartMs: 0, EndMs: 15 * 60_000, BaseTf: "1m", ChunkDays: 30,
	})
	require.NoError(t, err)

	require.Len(t, st.bars["1m"], 15)
	// 15 minutes of base data -> 3 complete 5m buckets.
	require.Len(t, st.bars["5m"], 3)

	baseCov := st.coverage[covKey("binance", "BTCUSDT", "1m")]
	require.Equal(t, int64(15*60_000), baseCov.EndMs)

	derivedCov := st.coverage[covKey("binance", "BTCUSDT", "5m")]
	require.Equal(t, int64(15*60_000), derivedCov.EndMs)
}

func TestEnsureHistorySkipsDerivedWhenNoNewBucket(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()

	fa := adapter.NewFakeAdapter("binance")
	fa.Seed("BTCUSDT", "1m", []bar.OHLCV{{TsMs: 0, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}})

	cfg := DefaultConfig("1m")
	p := New(st, adapter.NewRegistry(fa), cfg, testLog())

	// Only 1 minute of base data: not enough for a single complete 5m bucket.
	err := p.EnsureHistory(ctx, Request{
		Venue: "binance", Symbol: "BTCUSDT", Timeframes: []string{"5m"},
		StartMs: 0, EndMs: 60_000, BaseTf: "1m", ChunkDays: 30,
	})
	require.NoError(t, err)
	require.Empty(t, st.bars["5m"])
	_, ok := st.coverage[covKey("binance", "BTCUSDT", "5m")]
	require.False(t, ok)
}

func TestEnsureHistoryRejectsUnknownTimeframe(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	fa := adapter.NewFakeAdapter("binance")
	p := New(st, adapter.NewRegistry(fa), DefaultConfig("1m"), testLog())

	err := p.EnsureHistory(ctx, Request{
		Venue: "binance", Symbol: "BTCUSDT", Timeframes: []string{"bogus"},
		StartMs: 0, EndMs: 60_000, BaseTf: "1m",
	})
	require.Error(t, err)
}
