package alerting

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Channel delivers an alert to one destination.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert Alert) error
}

// DeliveryReport summarises one fan-out.
type DeliveryReport struct {
	Succeeded []string
	Failed    map[string]error
}

// Attempted is the number of channels that were sent to.
func (r DeliveryReport) Attempted() int {
	return len(r.Succeeded) + len(r.Failed)
}

// ChannelNotifier fans alerts out to every enabled channel.
type ChannelNotifier struct {
	channels []Channel
	logger   zerolog.Logger
}

// NewChannelNotifier constructs a notifier over the given channels.
func NewChannelNotifier(logger zerolog.Logger, channels ...Channel) *ChannelNotifier {
	return &ChannelNotifier{
		channels: channels,
		logger:   logger.With().Str("component", "notifier").Logger(),
	}
}

// Notify sends the alert to all enabled channels concurrently and waits for
// every send to settle. A failing or panicking channel never affects the others.
func (n *ChannelNotifier) Notify(ctx context.Context, alert Alert) DeliveryReport {
	enabled := make([]Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		if ch.Enabled() {
			enabled = append(enabled, ch)
		}
	}

	report := DeliveryReport{Failed: map[string]error{}}
	if len(enabled) == 0 {
		n.logger.Warn().Str("alert_id", alert.ID).Msg("no notification channels enabled")
		return report
	}

	names := make([]string, len(enabled))
	for i, ch := range enabled {
		names[i] = ch.Name()
	}
	n.logger.Debug().Strs("channels", names).Str("alert_id", alert.ID).Msg("sending notifications")

	errs := make([]error, len(enabled))
	var wg sync.WaitGroup
	for i, ch := range enabled {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			errs[i] = n.send(ctx, ch, alert)
		}(i, ch)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			report.Failed[names[i]] = err
			continue
		}
		report.Succeeded = append(report.Succeeded, names[i])
	}

	if len(report.Failed) > 0 {
		n.logger.Warn().
			Int("successful", len(report.Succeeded)).
			Int("failed", len(report.Failed)).
			Int("total", report.Attempted()).
			Msg("some notifications failed")
	} else {
		n.logger.Debug().
			Int("successful", len(report.Succeeded)).
			Int("total", report.Attempted()).
			Msg("all notifications sent")
	}
	return report
}

func (n *ChannelNotifier) send(ctx context.Context, ch Channel, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
		if err != nil {
			n.logger.Error().Err(err).Str("channel", ch.Name()).Str("alert_id", alert.ID).Msg("notification failed")
		}
	}()
	return ch.Send(ctx, alert)
}
