package backfill

import (
	"context"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"barplant/internal/adapter"
	"barplant/internal/bar"
)

// fakeStore is an in-memory backfill.Store good enough to drive the
// bootstrap/tail-update loop without a database.
type fakeStore struct {
	rows []bar.OHLCV
	cov  *bar.CoverageRow
}

func (f *fakeStore) EnsureBarsTable(ctx context.Context, tf string) error { return nil }

func (f *fakeStore) UpsertBars(ctx context.Context, tf, venue, symbol string, bars []bar.OHLCV) (int, error) {
	existing := map[int64]int{}
	for i, b := range f.rows {
		existing[b.TsMs] = i
	}
	for _, b := range bars {
		if i, ok := existing[b.TsMs]; ok {
			f.rows[i] = b
		} else {
			f.rows = append(f.rows, b)
		}
	}
	sort.Slice(f.rows, func(i, j int) bool { return f.rows[i].TsMs < f.rows[j].TsMs })
	return len(bars), nil
}

func (f *fakeStore) MaxTS(ctx context.Context, tf, venue, symbol string) (*int64, error) {
	if len(f.rows) == 0 {
		return nil, nil
	}
	ts := f.rows[len(f.rows)-1].TsMs
	return &ts, nil
}

func (f *fakeStore) MinMaxTS(ctx context.Context, tf, venue, symbol string) (minTS, maxTS int64, ok bool, err error) {
	if len(f.rows) == 0 {
		return 0, 0, false, nil
	}
	return f.rows[0].TsMs, f.rows[len(f.rows)-1].TsMs, true, nil
}

func (f *fakeStore) GetCoverage(ctx context.Context, venue, symbol, tf string) (*bar.CoverageRow, error) {
	return f.cov, nil
}

func (f *fakeStore) UpsertCoverage(ctx context.Context, row bar.CoverageRow) error {
	f.cov = &row
	return nil
}

func newTestService(st Store, a adapter.Adapter) *Service {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(st, adapter.NewRegistry(a), log)
}

func oneMinBar(tsMs int64) bar.OHLCV {
	return bar.OHLCV{TsMs: tsMs, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}
}

func TestEnsureHistoryBootstraps(t *testing.T) {
	ctx := context.Background()
	fa := adapter.NewFakeAdapter("binance")
	var bars []bar.OHLCV
	for i := int64(0); i < 10; i++ {
		bars = append(bars, oneMinBar(i*60_000))
	}
	fa.Seed("BTCUSDT", "1m", bars)

	st := &fakeStore{}
	svc := newTestService(st, fa)

	err := svc.EnsureHistory(ctx, Spec{Venue: "binance", Symbol: "BTCUSDT", Timeframe: "1m", StartMs: 0, EndMs: 600_000})
	require.NoError(t, err)
	require.Len(t, st.rows, 10)
	require.NotNil(t, st.cov)
	require.Equal(t, int64(0), st.cov.StartMs)
	require.Equal(t, int64(600_000), st.cov.EndMs)
}

func TestEnsureHistoryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fa := adapter.NewFakeAdapter("binance")
	var bars []bar.OHLCV
	for i := int64(0); i < 10; i++ {
		bars = append(bars, oneMinBar(i*60_000))
	}
	fa.Seed("BTCUSDT", "1m", bars)

	st := &fakeStore{}
	svc := newTestService(st, fa)
	// Pin the clock so the coverage row's UpdatedAtMs is the same on both runs.
	svc.nowMillis = func() int64 { return 1_000 }
	spec := Spec{Venue: "binance", Symbol: "BTCUSDT", Timeframe: "1m", StartMs: 0, EndMs: 600_000}

	require.NoError(t, svc.EnsureHistory(ctx, spec))
	firstRun := append([]bar.OHLCV(nil), st.rows...)
	firstCov := *st.cov

	require.NoError(t, svc.EnsureHistory(ctx, spec))
	require.Equal(t, firstRun, st.rows)
	require.Equal(t, firstCov, *st.cov)
}

func TestEnsureHistoryTailUpdateExtendsCoverage(t *testing.T) {
	ctx := context.Background()
	fa := adapter.NewFakeAdapter("binance")
	var bars []bar.OHLCV
	for i := int64(0); i < 15; i++ {
		bars = append(bars, oneMinBar(i*60_000))
	}
	fa.Seed("BTCUSDT", "1m", bars)

	st := &fakeStore{}
	svc := newTestService(st, fa)

	require.NoError(t, svc.EnsureHistory(ctx, Spec{Venue: "binance", Symbol: "BTCUSDT", Timeframe: "1m", StartMs: 0, EndMs: 600_000}))
	require.Len(t, st.rows, 10)

	require.NoError(t, svc.EnsureHistory(ctx, Spec{Venue: "binance", Symbol: "BTCUSDT", Timeframe: "1m", StartMs: 0, EndMs: 900_000}))
	require.Len(t, st.rows, 15)
	require.Equal(t, int64(900_000), st.cov.EndMs)
	// start_ms never shrinks beyond a previously stored value.
	require.Equal(t, int64(0), st.cov.StartMs)
}

func TestEnsureHistoryStopsOnEmptyPage(t *testing.T) {
	ctx := context.Background()
	fa := adapter.NewFakeAdapter("binance") // no bars seeded at all

	st := &fakeStore{}
	svc := newTestService(st, fa)

	err := svc.EnsureHistory(ctx, Spec{Venue: "binance", Symbol: "BTCUSDT", Timeframe: "1m", StartMs: 0, EndMs: 600_000})
	require.NoError(t, err)
	require.Empty(t, st.rows)
	require.Nil(t, st.cov)
}

func TestEnsureHistoryRejectsInvertedRange(t *testing.T) {
	ctx := context.Background()
	fa := adapter.NewFakeAdapter("binance")
	st := &fakeStore{}
	svc := newTestService(st, fa)

	err := svc.EnsureHistory(ctx, Spec{Venue: "binance", Symbol: "BTCUSDT", Timeframe: "1m", StartMs: 600_000, EndMs: 0})
	require.Error(t, err)
}

func TestEnsureHistoryUnknownVenue(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{}
	svc := newTestService(st, adapter.NewFakeAdapter("binance"))

	err := svc.EnsureHistory(ctx, Spec{Venue: "coinbase", Symbol: "BTCUSDT", Timeframe: "1m", StartMs: 0, EndMs: 600_000})
	require.Error(t, err)
}
