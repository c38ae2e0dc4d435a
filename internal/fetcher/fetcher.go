package fetcher

import "context"

// PriceSource retrieves current and forecast price intervals.
type PriceSource interface {
	GetCurrentPrices(ctx context.Context, siteID string, opts CurrentOptions) ([]Interval, error)
}

// HistorySource retrieves price intervals for a date range.
type HistorySource interface {
	GetPrices(ctx context.Context, siteID string, opts RangeOptions) ([]Interval, error)
}

// UsageSource retrieves metered usage for a date range.
type UsageSource interface {
	GetUsage(ctx context.Context, siteID string, opts RangeOptions) ([]Usage, error)
}

var (
	_ PriceSource   = (*Client)(nil)
	_ HistorySource = (*Client)(nil)
	_ UsageSource   = (*Client)(nil)
)
