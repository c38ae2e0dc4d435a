package fetcher

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntervalType distinguishes actual, current and forecast price quotes.
type IntervalType string

const (
	ActualInterval   IntervalType = "ActualInterval"
	CurrentInterval  IntervalType = "CurrentInterval"
	ForecastInterval IntervalType = "ForecastInterval"
)

// ChannelType identifies the metering channel a price applies to.
type ChannelType string

const (
	ChannelGeneral        ChannelType = "general"
	ChannelControlledLoad ChannelType = "controlledLoad"
	ChannelFeedIn         ChannelType = "feedIn"
)

// SpikeStatus reports whether the market is spiking.
type SpikeStatus string

const (
	SpikeNone      SpikeStatus = "none"
	SpikePotential SpikeStatus = "potential"
	SpikeActive    SpikeStatus = "spike"
)

// Descriptor is the qualitative price level, ordered from cheapest to most expensive.
type Descriptor string

const (
	DescriptorNegative     Descriptor = "negative"
	DescriptorExtremelyLow Descriptor = "extremelyLow"
	DescriptorVeryLow      Descriptor = "veryLow"
	DescriptorLow          Descriptor = "low"
	DescriptorNeutral      Descriptor = "neutral"
	DescriptorHigh         Descriptor = "high"
	DescriptorSpike        Descriptor = "spike"
)

var descriptorRank = map[Descriptor]int{
	DescriptorNegative:     0,
	DescriptorExtremelyLow: 1,
	DescriptorVeryLow:      2,
	DescriptorLow:          3,
	DescriptorNeutral:      4,
	DescriptorHigh:         5,
	DescriptorSpike:        6,
}

// Rank returns the severity position of the descriptor, or -1 when unknown.
func (d Descriptor) Rank() int {
	if r, ok := descriptorRank[d]; ok {
		return r
	}
	return -1
}

// SiteStatus is the lifecycle state of an account site.
type SiteStatus string

const (
	SitePending SiteStatus = "pending"
	SiteActive  SiteStatus = "active"
	SiteClosed  SiteStatus = "closed"
)

// SiteChannel describes a meter channel attached to a site.
type SiteChannel struct {
	Identifier string      `json:"identifier"`
	Type       ChannelType `json:"type"`
	Tariff     string      `json:"tariff"`
}

// Site is an electricity connection on the account.
type Site struct {
	ID             string        `json:"id"`
	NMI            string        `json:"nmi"`
	Channels       []SiteChannel `json:"channels"`
	Network        string        `json:"network"`
	Status         SiteStatus    `json:"status"`
	ActiveFrom     string        `json:"activeFrom,omitempty"`
	ClosedOn       string        `json:"closedOn,omitempty"`
	IntervalLength int           `json:"intervalLength"`
}

// PriceRange is the forecast uncertainty band.
type PriceRange struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Interval is one reported price quote. Values are never mutated after decoding.
type Interval struct {
	Type        IntervalType    `json:"type"`
	Duration    int             `json:"duration"`
	SpotPerKwh  decimal.Decimal `json:"spotPerKwh"`
	PerKwh      decimal.Decimal `json:"perKwh"`
	Date        string          `json:"date"`
	NemTime     time.Time       `json:"nemTime"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     time.Time       `json:"endTime"`
	Renewables  float64         `json:"renewables"`
	ChannelType ChannelType     `json:"channelType"`
	SpikeStatus SpikeStatus     `json:"spikeStatus"`
	Descriptor  Descriptor      `json:"descriptor"`
	Estimate    *bool           `json:"estimate,omitempty"`
	Range       *PriceRange     `json:"range,omitempty"`
}

// IsEstimate reports whether the quote is flagged as an estimate.
func (i Interval) IsEstimate() bool {
	return i.Estimate != nil && *i.Estimate
}

// Usage is a metered consumption or export record.
type Usage struct {
	Type              string          `json:"type"`
	Duration          int             `json:"duration"`
	SpotPerKwh        decimal.Decimal `json:"spotPerKwh"`
	PerKwh            decimal.Decimal `json:"perKwh"`
	Date              string          `json:"date"`
	NemTime           time.Time       `json:"nemTime"`
	StartTime         time.Time       `json:"startTime"`
	EndTime           time.Time       `json:"endTime"`
	Renewables        float64         `json:"renewables"`
	ChannelType       ChannelType     `json:"channelType"`
	ChannelIdentifier string          `json:"channelIdentifier"`
	Descriptor        Descriptor      `json:"descriptor"`
	Kwh               float64         `json:"kwh"`
	Quality           string          `json:"quality"`
	Cost              float64         `json:"cost"`
}

// Resolution is the interval length in minutes requested from the API.
type Resolution int

const (
	Resolution5  Resolution = 5
	Resolution30 Resolution = 30
)

// CurrentOptions parameterise a current-prices request.
type CurrentOptions struct {
	Next       int
	Previous   int
	Resolution Resolution
}

// RangeOptions parameterise date-range price and usage requests.
type RangeOptions struct {
	StartDate  time.Time
	EndDate    time.Time
	Resolution Resolution
}
