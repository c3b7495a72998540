// Package timeframe implements the millisecond grid arithmetic shared by
// every component that speaks in candle periods: parsing a timeframe token,
// flooring/ceiling a timestamp to its grid, and parsing ISO-8601 strings as
// UTC milliseconds.
package timeframe

import (
	"regexp"
	"strconv"
	"time"

	"barplant/internal/errs"
)

var tfPattern = regexp.MustCompile(`^(\d+)([smhdw])$`)

var unitMillis = map[byte]int64{
	's': 1_000,
	'm': 60_000,
	'h': 3_600_000,
	'd': 86_400_000,
	'w': 604_800_000,
}

// ToMillis parses a timeframe token ("1m", "5m", "1h", ...) into its period
// in milliseconds.
func ToMillis(tf string) (int64, error) {
	m := tfPattern.FindStringSubmatch(tf)
	if m == nil {
		return 0, errs.Wrap(errs.ErrInvalidInput, "invalid timeframe %q (expected e.g. 1m, 5m, 1h)", tf)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errs.Wrap(errs.ErrInvalidInput, "invalid timeframe %q: %v", tf, err)
	}
	if n <= 0 {
		return 0, errs.Wrap(errs.ErrInvalidInput, "invalid timeframe %q: multiplier must be positive", tf)
	}
	mult, ok := unitMillis[m[2][0]]
	if !ok {
		return 0, errs.Wrap(errs.ErrInvalidInput, "invalid timeframe %q: unknown unit", tf)
	}
	return n * mult, nil
}

// MustToMillis is ToMillis for call sites that already validated tf (e.g. it
// came from a CoverageRow persisted by this same process).
func MustToMillis(tf string) int64 {
	ms, err := ToMillis(tf)
	if err != nil {
		panic(err)
	}
	return ms
}

// Floor returns the largest grid point <= tsMs for the given timeframe.
func Floor(tsMs int64, tfMs int64) int64 {
	if tsMs >= 0 {
		return (tsMs / tfMs) * tfMs
	}
	// Euclidean floor for negative timestamps (pre-epoch inputs), kept
	// correct even though the domain rarely needs it.
	q := tsMs / tfMs
	if tsMs%tfMs != 0 {
		q--
	}
	return q * tfMs
}

// Ceil returns the smallest grid point >= tsMs for the given timeframe.
func Ceil(tsMs int64, tfMs int64) int64 {
	f := Floor(tsMs, tfMs)
	if f == tsMs {
		return f
	}
	return f + tfMs
}

// isoLayouts mirrors the handful of shapes the adapter and CLI accept: RFC3339
// with and without fractional seconds/offsets, and a bare date.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// ParseISO8601UTC parses s as UTC milliseconds since epoch. A naive string
// (no trailing Z/offset) is treated as UTC, not local time.
func ParseISO8601UTC(s string) (int64, error) {
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return t.UTC().UnixMilli(), nil
	}
	return 0, errs.Wrap(errs.ErrInvalidInput, "unsupported ISO-8601 timestamp %q", s)
}

// NowMillis returns the current time as UTC milliseconds since epoch.
func NowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
