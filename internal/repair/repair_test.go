package repair

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"barplant/internal/adapter"
	"barplant/internal/bar"
)

// fakeStore is an in-memory repair.Store good enough to drive the state
// machine without a database.
type fakeStore struct {
	gaps         []bar.GapRange
	known        []bar.KnownMissingRange
	upserted     []bar.OHLCV
	upsertErrOn  int64 // if nonzero, UpsertBars fails when called with a bar at this ts
}

func (f *fakeStore) FindGaps(ctx context.Context, tf, venue, symbol string, startMs, endMsExcl *int64, limit int) ([]bar.GapRange, error) {
	return f.gaps, nil
}

func (f *fakeStore) IsKnownMissing(ctx context.Context, venue, symbol, tf string, startMs, endMsExcl int64) (bool, error) {
	for _, k := range f.known {
		if k.StartMs <= startMs && k.EndMsExcl >= endMsExcl {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) RecordKnownMissing(ctx context.Context, row bar.KnownMissingRange) error {
	f.known = append(f.known, row)
	return nil
}

func (f *fakeStore) UpsertBars(ctx context.Context, tf, venue, symbol string, bars []bar.OHLCV) (int, error) {
	if f.upsertErrOn != 0 {
		for _, b := range bars {
			if b.TsMs == f.upsertErrOn {
				return 0, fmt.Errorf("fake upsert failure at ts_ms=%d", b.TsMs)
			}
		}
	}
	f.upserted = append(f.upserted, bars...)
	return len(bars), nil
}

func newTestService(st *fakeStore, a adapter.Adapter, cfg Config) *Service {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(st, adapter.NewRegistry(a), cfg, log)
}

func TestRepairGapsFillsFromAdapter(t *testing.T) {
	ctx := context.Background()
	fa := adapter.NewFakeAdapter("binance")
	fa.Seed("BTCUSDT", "1m", []bar.OHLCV{
		{TsMs: 120_000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{TsMs: 180_000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
	})

	st := &fakeStore{gaps: []bar.GapRange{{StartMs: 120_000, EndMsExcl: 300_000}}}
	svc := newTestService(st, fa, DefaultConfig())

	attempted, err := svc.RepairGaps(ctx, "binance", "BTCUSDT", "1m", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, attempted)
	require.Len(t, st.upserted, 2)
	require.Empty(t, st.known)
}

func TestRepairGapsMarksKnownMissingWhenAdapterConfirmsEmpty(t *testing.T) {
	ctx := context.Background()
	fa := adapter.NewFakeAdapter("binance") // no seeded bars at all

	st := &fakeStore{gaps: []bar.GapRange{{StartMs: 0, EndMsExcl: 180_000}}}
	svc := newTestService(st, fa, DefaultConfig())

	attempted, err := svc.RepairGaps(ctx, "binance", "BTCUSDT", "1m", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, attempted)
	require.Empty(t, st.upserted)
	require.Len(t, st.known, 1)
	require.Equal(t, int64(0), st.known[0].StartMs)
}

func TestRepairGapsSkipsKnownMissingChunk(t *testing.T) {
	ctx := context.Background()
	fa := adapter.NewFakeAdapter("binance")

	st := &fakeStore{
		gaps:  []bar.GapRange{{StartMs: 0, EndMsExcl: 180_000}},
		known: []bar.KnownMissingRange{{Venue: "binance", Symbol: "BTCUSDT", Timeframe: "1m", StartMs: 0, EndMsExcl: 180_000, Reason: "prior"}},
	}
	svc := newTestService(st, fa, DefaultConfig())

	attempted, err := svc.RepairGaps(ctx, "binance", "BTCUSDT", "1m", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, attempted)
	require.Empty(t, st.upserted)
	// Already known-missing; no new record should be appended.
	require.Len(t, st.known, 1)
}

func TestRepairGapsSkipsGapLargerThanMaxGap(t *testing.T) {
	ctx := context.Background()
	fa := adapter.NewFakeAdapter("binance")

	cfg := DefaultConfig()
	cfg.MaxGapMinutes = 1 // 60_000 ms cap

	st := &fakeStore{gaps: []bar.GapRange{{StartMs: 0, EndMsExcl: 600_000}}}
	svc := newTestService(st, fa, cfg)

	attempted, err := svc.RepairGaps(ctx, "binance", "BTCUSDT", "1m", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, attempted)
	require.Empty(t, st.upserted)
	require.Empty(t, st.known)
}

func TestRepairGapsUnknownVenue(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{}
	svc := newTestService(st, adapter.NewFakeAdapter("binance"), DefaultConfig())

	_, err := svc.RepairGaps(ctx, "coinbase", "BTCUSDT", "1m", nil, nil)
	require.Error(t, err)
}
