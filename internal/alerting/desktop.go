package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"

	"feedin-alerts/internal/config"
)

// PopupFunc raises one desktop notification.
type PopupFunc func(title, message string) error

// notify uses D-Bus on Linux/BSD, osascript on macOS and toasts on Windows.
var notify = beeep.Notify

func beeepPopup(title, message string) error {
	return notify(title, message, "")
}

// DesktopOptions tune the desktop channel.
type DesktopOptions struct {
	// Runner replaces the OS notifier. Nil uses beeep.
	Runner PopupFunc
}

// DesktopChannel raises an OS popup.
type DesktopChannel struct {
	popup    PopupFunc
	settings SettingsProvider
	location *time.Location
	logger   zerolog.Logger
}

// NewDesktopChannel constructs the desktop channel.
func NewDesktopChannel(opts DesktopOptions, settings SettingsProvider, loc *time.Location, logger zerolog.Logger) *DesktopChannel {
	if opts.Runner == nil {
		opts.Runner = beeepPopup
	}
	return &DesktopChannel{
		popup:    opts.Runner,
		settings: settings,
		location: loc,
		logger:   logger.With().Str("component", "alert_desktop").Logger(),
	}
}

func (d *DesktopChannel) Name() string { return config.ChannelDesktop }

func (d *DesktopChannel) Enabled() bool {
	return d.settings.Load().HasChannel(config.ChannelDesktop)
}

func (d *DesktopChannel) Send(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.popup(alert.Title(), d.message(alert)); err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}

	d.logger.Debug().Str("alert_id", alert.ID).Msg("desktop notification sent")
	return nil
}

func (d *DesktopChannel) message(alert Alert) string {
	var b strings.Builder
	b.WriteString("Great time to export solar power!\n")
	b.WriteString(fmt.Sprintf("Spot: %sc/kWh | Renewables: %.0f%%\n", alert.SpotPrice.StringFixed(2), alert.Renewables))
	b.WriteString("Valid until: " + validUntil(alert, d.location))
	if alert.Estimate {
		b.WriteString(" (estimate)")
	}
	return b.String()
}

var _ Channel = (*DesktopChannel)(nil)
