package bar

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOHLCVValidate(t *testing.T) {
	tfMs := int64(60_000)

	valid := OHLCV{TsMs: 60_000, Open: 10, High: 12, Low: 9, Close: 11, Volume: 3}
	require.NoError(t, valid.Validate(tfMs))

	unaligned := valid
	unaligned.TsMs = 60_001
	require.Error(t, unaligned.Validate(tfMs))

	highBelowLow := valid
	highBelowLow.High = 8
	require.Error(t, highBelowLow.Validate(tfMs))

	openOutside := valid
	openOutside.Open = 20
	require.Error(t, openOutside.Validate(tfMs))

	closeOutside := valid
	closeOutside.Close = 1
	require.Error(t, closeOutside.Validate(tfMs))

	negativeVolume := valid
	negativeVolume.Volume = -1
	require.Error(t, negativeVolume.Validate(tfMs))
}

func TestCoverageRowValidate(t *testing.T) {
	ok := CoverageRow{Venue: "polygon", Symbol: "AAPL", Timeframe: "1m", StartMs: 0, EndMs: 60_000}
	require.NoError(t, ok.Validate())

	inverted := ok
	inverted.EndMs = 0
	require.Error(t, inverted.Validate())

	unaligned := ok
	unaligned.StartMs = 30_000
	require.Error(t, unaligned.Validate())
}

func TestMonotonicUpdate(t *testing.T) {
	prev := &CoverageRow{StartMs: 100, EndMs: 1000}

	require.NoError(t, MonotonicUpdate(nil, CoverageRow{StartMs: 500, EndMs: 600}))

	require.NoError(t, MonotonicUpdate(prev, CoverageRow{StartMs: 0, EndMs: 2000}))
	require.NoError(t, MonotonicUpdate(prev, CoverageRow{StartMs: 100, EndMs: 1000}))

	shrunkStart := CoverageRow{StartMs: 200, EndMs: 1000}
	require.Error(t, MonotonicUpdate(prev, shrunkStart))

	shrunkEnd := CoverageRow{StartMs: 100, EndMs: 900}
	require.Error(t, MonotonicUpdate(prev, shrunkEnd))
}

func TestGapRangeLen(t *testing.T) {
	g := GapRange{StartMs: 100, EndMsExcl: 400}
	require.Equal(t, int64(300), g.Len())
}
