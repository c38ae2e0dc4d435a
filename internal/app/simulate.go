package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"feedin-alerts/internal/alerting"
	"feedin-alerts/internal/config"
	"feedin-alerts/internal/fetcher"
)

// SimulateAlert runs a synthetic current feed-in interval through the detector
// and the configured channels.
func (a *App) SimulateAlert(ctx context.Context, price decimal.Decimal) error {
	settings := a.Config.Settings()
	if len(settings.Channels) == 0 {
		return fmt.Errorf("no notification channels configured")
	}

	runtime := config.NewRuntime(settings)
	source := newStaticPriceSource(price, time.Now())
	detector := alerting.NewDetector(source, runtime, alerting.DetectorOptions{SiteID: "simulated"}, a.base)

	alert, err := detector.Evaluate(ctx)
	if err != nil {
		return err
	}
	if alert == nil {
		return fmt.Errorf("price %s c/kWh is below the %s c/kWh threshold; no alert raised", price, settings.Threshold)
	}

	notifier := alerting.NewChannelNotifier(a.base, a.newChannels(runtime)...)
	report := notifier.Notify(ctx, *alert)

	a.Logger.Info().
		Str("alert_id", alert.ID).
		Strs("succeeded", report.Succeeded).
		Int("failed", len(report.Failed)).
		Msg("simulated alert dispatched")

	if len(report.Failed) > 0 {
		failed := make([]string, 0, len(report.Failed))
		for name, err := range report.Failed {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
		}
		return fmt.Errorf("delivery failed on %s", strings.Join(failed, "; "))
	}
	return nil
}

type staticPriceSource struct {
	intervals []fetcher.Interval
}

func newStaticPriceSource(price decimal.Decimal, now time.Time) *staticPriceSource {
	start := now.UTC().Truncate(5 * time.Minute)
	return &staticPriceSource{intervals: []fetcher.Interval{{
		Type:        fetcher.CurrentInterval,
		Duration:    5,
		PerKwh:      price,
		SpotPerKwh:  price,
		NemTime:     start.Add(5 * time.Minute),
		StartTime:   start,
		EndTime:     start.Add(5 * time.Minute),
		ChannelType: fetcher.ChannelFeedIn,
		SpikeStatus: fetcher.SpikeNone,
		Descriptor:  fetcher.DescriptorHigh,
	}}}
}

func (s *staticPriceSource) GetCurrentPrices(context.Context, string, fetcher.CurrentOptions) ([]fetcher.Interval, error) {
	return s.intervals, nil
}

var _ fetcher.PriceSource = (*staticPriceSource)(nil)
