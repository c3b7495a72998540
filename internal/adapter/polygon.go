package adapter

import (
	"context"
	"net/http"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"

	"barplant/internal/bar"
	"barplant/internal/errs"
)

// timespanByUnit maps a timeframe unit letter to the Polygon aggregates
// timespan name. Generalizes the single-timespan-per-table style of
// updateOHLCVGeneric into a lookup driven by the requested timeframe.
var timespanByUnit = map[byte]models.Timespan{
	's': models.Second,
	'm': models.Minute,
	'h': models.Hour,
	'd': models.Day,
	'w': models.Week,
}

// PolygonAdapter is a Polygon.io-backed Adapter, wrapping client.ListAggs
// with the retry/backoff and response-filtering the port contract requires.
type PolygonAdapter struct {
	client     *polygon.Client
	maxRetries int
}

// NewPolygonAdapter builds a PolygonAdapter from an API key, tuning the
// underlying HTTP client the way internal/data/conn.go historically did.
func NewPolygonAdapter(apiKey string) *PolygonAdapter {
	httpClient := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	client := polygon.NewWithClient(apiKey, httpClient)
	return &PolygonAdapter{client: client, maxRetries: 5}
}

// Venue implements Adapter.
func (p *PolygonAdapter) Venue() string { return "polygon" }

// FetchOHLCV implements Adapter, generalizing GetAggsData: a multiplier+unit
// timeframe token is split into Polygon's (multiplier, timespan) pair, and
// the raw bars are filtered so ts_ms >= end_ms never leaks through even if
// the provider includes a boundary row.
func (p *PolygonAdapter) FetchOHLCV(ctx context.Context, symbol, tf string, startMs, endMs int64, limit int) ([]bar.OHLCV, error) {
	multiplier, unit, err := splitTimeframe(tf)
	if err != nil {
		return nil, err
	}
	timespan, ok := timespanByUnit[unit]
	if !ok {
		return nil, errs.Wrap(errs.ErrAdapterPermanent, "polygon adapter does not support timeframe unit %q", string(unit))
	}

	params := models.ListAggsParams{
		Ticker:     symbol,
		Multiplier: multiplier,
		Timespan:   timespan,
		From:       models.Millis(time.UnixMilli(startMs)),
		To:         models.Millis(time.UnixMilli(endMs)),
	}.WithOrder(models.Asc).WithLimit(limit).WithAdjusted(true)

	bars, err := retryWithBackoff(ctx, p.maxRetries, func() ([]bar.OHLCV, error) {
		return p.fetchOnce(ctx, params, endMs, limit)
	})
	if err != nil {
		return nil, err
	}
	return bars, nil
}

func (p *PolygonAdapter) fetchOnce(ctx context.Context, params models.ListAggsParams, endMs int64, limit int) ([]bar.OHLCV, error) {
	it := p.client.ListAggs(ctx, params)

	out := make([]bar.OHLCV, 0, limit)
	for it.Next() && len(out) < limit {
		agg := it.Item()
		tsMs := time.Time(agg.Timestamp).UnixMilli()
		if tsMs >= endMs {
			continue
		}
		out = append(out, bar.OHLCV{
			TsMs:   tsMs,
			Open:   agg.Open,
			High:   agg.High,
			Low:    agg.Low,
			Close:  agg.Close,
			Volume: agg.Volume,
		})
	}
	if err := it.Err(); err != nil {
		if errs.IsTransient(err) {
			return nil, errs.Wrap(errs.ErrAdapterTransient, "polygon list_aggs: %v", err)
		}
		return nil, errs.Wrap(errs.ErrAdapterPermanent, "polygon list_aggs: %v", err)
	}
	return out, nil
}

func splitTimeframe(tf string) (int, byte, error) {
	if len(tf) < 2 {
		return 0, 0, errs.Wrap(errs.ErrInvalidInput, "invalid timeframe %q", tf)
	}
	unit := tf[len(tf)-1]
	n := 0
	for _, c := range tf[:len(tf)-1] {
		if c < '0' || c > '9' {
			return 0, 0, errs.Wrap(errs.ErrInvalidInput, "invalid timeframe %q", tf)
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, 0, errs.Wrap(errs.ErrInvalidInput, "invalid timeframe %q", tf)
	}
	return n, unit, nil
}
