// Package adapter defines the uniform exchange-provider port every backfill
// and gap-repair call goes through, plus two concrete implementations: a
// Polygon.io REST adapter and an in-memory fake used by tests.
package adapter

import (
	"context"

	"barplant/internal/bar"
)

// Adapter fetches OHLCV pages for one venue. Implementations must return
// bars sorted ascending by TsMs, strictly excluding endMs, with at most
// limit rows.
type Adapter interface {
	// Venue is the adapter's registered venue identifier, used as the
	// registry key in the plant and backfill service.
	Venue() string

	FetchOHLCV(ctx context.Context, symbol, timeframe string, startMs, endMs int64, limit int) ([]bar.OHLCV, error)
}

// Registry maps venue identifiers to their adapter, mirroring the small
// name->provider map the plant owns.
type Registry map[string]Adapter

// NewRegistry builds a Registry from a set of adapters, keyed by Venue().
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Venue()] = a
	}
	return r
}
