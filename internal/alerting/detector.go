package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"feedin-alerts/internal/config"
	"feedin-alerts/internal/fetcher"
)

// DefaultCooldown is the minimum gap between two alerts when settings leave it unset.
const DefaultCooldown = 30 * time.Minute

// SettingsProvider yields the runtime settings snapshot for one evaluation.
type SettingsProvider interface {
	Load() config.Settings
}

// DetectorOptions tune the detector.
type DetectorOptions struct {
	SiteID    string
	Lookahead int
	Now       func() time.Time
}

// Detector decides whether the current price warrants an alert.
// It is Armed until it raises an alert, then Cooling until the cooldown elapses.
type Detector struct {
	source    fetcher.PriceSource
	settings  SettingsProvider
	siteID    string
	lookahead int
	now       func() time.Time
	logger    zerolog.Logger

	mu          sync.Mutex
	lastAlertAt time.Time
}

// NewDetector constructs a Detector.
func NewDetector(source fetcher.PriceSource, settings SettingsProvider, opts DetectorOptions, logger zerolog.Logger) *Detector {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lookahead := opts.Lookahead
	if lookahead <= 0 {
		lookahead = 6
	}
	return &Detector{
		source:    source,
		settings:  settings,
		siteID:    opts.SiteID,
		lookahead: lookahead,
		now:       now,
		logger:    logger.With().Str("component", "detector").Logger(),
	}
}

// Evaluate fetches the current interval plus a short lookahead and applies
// the threshold and cooldown rules. Fetch errors are returned unmodified.
func (d *Detector) Evaluate(ctx context.Context) (*Alert, error) {
	intervals, err := d.source.GetCurrentPrices(ctx, d.siteID, fetcher.CurrentOptions{Next: d.lookahead})
	if err != nil {
		return nil, err
	}
	return d.EvaluateIntervals(intervals), nil
}

// EvaluateIntervals applies the detection rules to an already fetched batch.
func (d *Detector) EvaluateIntervals(intervals []fetcher.Interval) *Alert {
	selected, channel, ok := SelectChannel(intervals)
	if !ok {
		d.logger.Warn().Int("intervals", len(intervals)).Msg("no feed-in or general price channel found, check the account configuration")
		return nil
	}
	if channel != fetcher.ChannelFeedIn {
		d.logger.Info().Str("channel", string(channel)).Msg("no feed-in channel found, using general channel")
	}

	current, ok := CurrentInterval(selected)
	if !ok {
		d.logger.Debug().Str("channel", string(channel)).Msg("no current interval in batch")
		return nil
	}

	settings := d.settings.Load()
	threshold := settings.Threshold
	cooldown := settings.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	d.logger.Debug().
		Str("price", current.PerKwh.String()).
		Str("spot_price", current.SpotPerKwh.String()).
		Str("descriptor", string(current.Descriptor)).
		Float64("renewables", current.Renewables).
		Bool("estimate", current.IsEstimate()).
		Str("threshold", threshold.String()).
		Msg("current price")

	if current.PerKwh.LessThan(threshold) {
		return nil
	}

	d.mu.Lock()
	now := d.now()
	if !d.lastAlertAt.IsZero() && now.Sub(d.lastAlertAt) < cooldown {
		last := d.lastAlertAt
		d.mu.Unlock()
		d.logger.Debug().Time("last_alert_at", last).Dur("cooldown", cooldown).Msg("alert suppressed by cooldown")
		return nil
	}
	d.lastAlertAt = now
	d.mu.Unlock()

	alert := newAlert(current, threshold, now)
	d.logger.Info().
		Str("alert_id", alert.ID).
		Str("price", alert.Price.String()).
		Str("threshold", threshold.String()).
		Str("descriptor", string(alert.Descriptor)).
		Msg("high feed-in price detected")
	return &alert
}

// LastAlertAt returns when the last alert was raised.
func (d *Detector) LastAlertAt() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAlertAt, !d.lastAlertAt.IsZero()
}

// SelectChannel keeps feed-in intervals, falling back to general ones.
// It reports false when neither channel is present.
func SelectChannel(intervals []fetcher.Interval) ([]fetcher.Interval, fetcher.ChannelType, bool) {
	for _, channel := range []fetcher.ChannelType{fetcher.ChannelFeedIn, fetcher.ChannelGeneral} {
		selected := filterChannel(intervals, channel)
		if len(selected) > 0 {
			return selected, channel, true
		}
	}
	return nil, "", false
}

func filterChannel(intervals []fetcher.Interval, channel fetcher.ChannelType) []fetcher.Interval {
	var out []fetcher.Interval
	for _, interval := range intervals {
		if interval.ChannelType == channel {
			out = append(out, interval)
		}
	}
	return out
}

// CurrentInterval returns the first interval of the current kind.
func CurrentInterval(intervals []fetcher.Interval) (fetcher.Interval, bool) {
	for _, interval := range intervals {
		if interval.Type == fetcher.CurrentInterval {
			return interval, true
		}
	}
	return fetcher.Interval{}, false
}

// Forecasts returns the forecast intervals in feed order.
func Forecasts(intervals []fetcher.Interval) []fetcher.Interval {
	out := make([]fetcher.Interval, 0, len(intervals))
	for _, interval := range intervals {
		if interval.Type == fetcher.ForecastInterval {
			out = append(out, interval)
		}
	}
	return out
}
