package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"feedin-alerts/internal/config"
)

// ConsoleChannel writes alerts to the structured log.
type ConsoleChannel struct {
	settings SettingsProvider
	location *time.Location
	logger   zerolog.Logger
}

// NewConsoleChannel constructs the console channel.
func NewConsoleChannel(settings SettingsProvider, loc *time.Location, logger zerolog.Logger) *ConsoleChannel {
	return &ConsoleChannel{
		settings: settings,
		location: loc,
		logger:   logger.With().Str("component", "alert_console").Logger(),
	}
}

func (c *ConsoleChannel) Name() string { return config.ChannelConsole }

func (c *ConsoleChannel) Enabled() bool {
	return c.settings.Load().HasChannel(config.ChannelConsole)
}

func (c *ConsoleChannel) Send(_ context.Context, alert Alert) error {
	c.logger.Info().
		Str("type", "FEED_IN_ALERT").
		Str("alert_id", alert.ID).
		Str("price", alert.Price.String()).
		Str("spot_price", alert.SpotPrice.String()).
		Str("descriptor", string(alert.Descriptor)).
		Float64("renewables", alert.Renewables).
		Str("threshold", alert.Threshold.String()).
		Bool("estimate", alert.Estimate).
		Str("valid_until", validUntil(alert, c.location)).
		Msg(RenderText(alert, c.location))
	return nil
}

var _ Channel = (*ConsoleChannel)(nil)
