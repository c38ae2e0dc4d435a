package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"feedin-alerts/internal/fetcher"
)

// Alert is raised when the current interval's price reaches the threshold.
// Alerts are handed to channels and never persisted.
type Alert struct {
	ID          string              `json:"id"`
	Interval    fetcher.Interval    `json:"interval"`
	ChannelType fetcher.ChannelType `json:"channelType"`
	Price       decimal.Decimal     `json:"price"`
	SpotPrice   decimal.Decimal     `json:"spotPrice"`
	Descriptor  fetcher.Descriptor  `json:"descriptor"`
	Renewables  float64             `json:"renewables"`
	Threshold   decimal.Decimal     `json:"threshold"`
	Estimate    bool                `json:"estimate"`
	ValidUntil  time.Time           `json:"validUntil"`
	RaisedAt    time.Time           `json:"raisedAt"`
}

func newAlert(interval fetcher.Interval, threshold decimal.Decimal, raisedAt time.Time) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Interval:    interval,
		ChannelType: interval.ChannelType,
		Price:       interval.PerKwh,
		SpotPrice:   interval.SpotPerKwh,
		Descriptor:  interval.Descriptor,
		Renewables:  interval.Renewables,
		Threshold:   threshold,
		Estimate:    interval.IsEstimate(),
		ValidUntil:  interval.EndTime,
		RaisedAt:    raisedAt,
	}
}

// Title is the one-line headline used by popup style channels.
func (a Alert) Title() string {
	return fmt.Sprintf("%s High Feed-In Price: %sc/kWh", descriptorEmoji(a.Descriptor), a.Price.StringFixed(2))
}

// RenderText renders the multi-line alert body with times in loc.
func RenderText(a Alert, loc *time.Location) string {
	builder := strings.Builder{}
	builder.WriteString("[Feed-In Price Alert]\n")
	builder.WriteString(fmt.Sprintf("Price: %sc/kWh (threshold: %sc/kWh)\n", a.Price.StringFixed(2), a.Threshold.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Spot Price: %sc/kWh\n", a.SpotPrice.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Level: %s\n", a.Descriptor))
	builder.WriteString(fmt.Sprintf("Renewables: %.0f%%\n", a.Renewables))
	builder.WriteString(fmt.Sprintf("Valid until: %s\n", validUntil(a, loc)))
	if a.ChannelType != "" && a.ChannelType != fetcher.ChannelFeedIn {
		builder.WriteString(fmt.Sprintf("Channel: %s\n", a.ChannelType))
	}
	if a.Estimate {
		builder.WriteString("This is an estimate\n")
	} else {
		builder.WriteString("Confirmed price\n")
	}
	builder.WriteString("Great time to export solar power!")
	return builder.String()
}

func validUntil(a Alert, loc *time.Location) string {
	if a.ValidUntil.IsZero() {
		return "unknown"
	}
	if loc == nil {
		loc = time.UTC
	}
	return a.ValidUntil.In(loc).Format("15:04")
}

func descriptorEmoji(d fetcher.Descriptor) string {
	switch d {
	case fetcher.DescriptorSpike:
		return "🔥"
	case fetcher.DescriptorHigh:
		return "⚡"
	case fetcher.DescriptorNeutral:
		return "💡"
	case fetcher.DescriptorLow, fetcher.DescriptorVeryLow, fetcher.DescriptorExtremelyLow:
		return "💚"
	default:
		return "⭐"
	}
}
