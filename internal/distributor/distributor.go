// Package distributor pushes price snapshots to live subscribers.
package distributor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"feedin-alerts/internal/alerting"
	"feedin-alerts/internal/fetcher"
	"feedin-alerts/internal/history"
	"feedin-alerts/internal/scheduler"
	"feedin-alerts/internal/storage"
)

// MessageType tags snapshot messages.
const MessageType = "price-update"

// ErrNoPriceChannel is returned when a batch holds neither feed-in nor general intervals.
var ErrNoPriceChannel = errors.New("no feed-in or general price channel")

// Snapshot is the combined payload delivered to subscribers.
type Snapshot struct {
	Current     *fetcher.Interval       `json:"current"`
	Forecast    []fetcher.Interval      `json:"forecast"`
	History     []storage.HistoryRecord `json:"history"`
	RateLimit   fetcher.RateLimit       `json:"rateLimit"`
	ChannelType fetcher.ChannelType     `json:"channelType,omitempty"`
	GeneratedAt time.Time               `json:"generatedAt"`
}

// Message is the envelope written to subscribers.
type Message struct {
	Type string   `json:"type"`
	Data Snapshot `json:"data"`
}

// Subscriber receives snapshot pushes.
type Subscriber interface {
	ID() string
	Open() bool
	Send(msg Message) error
}

// RateLimitReader exposes the last observed rate-limit state.
type RateLimitReader interface {
	Current() fetcher.RateLimit
}

// Options tune the distributor.
type Options struct {
	SiteID       string
	Interval     time.Duration
	StartupDelay time.Duration
	Lookahead    int
	LiveWindow   int
	Now          func() time.Time
}

// Distributor refreshes snapshots on its own cadence and fans them out.
type Distributor struct {
	source  fetcher.PriceSource
	history *history.Store
	limits  RateLimitReader
	opts    Options
	base    zerolog.Logger
	logger  zerolog.Logger

	subsMu sync.RWMutex
	subs   map[string]Subscriber

	snapMu   sync.RWMutex
	latest   *Snapshot
	latestAt time.Time
}

// New constructs a Distributor.
func New(source fetcher.PriceSource, store *history.Store, limits RateLimitReader, opts Options, logger zerolog.Logger) *Distributor {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = 48
	}
	if opts.LiveWindow <= 0 {
		opts.LiveWindow = 288
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Distributor{
		source:  source,
		history: store,
		limits:  limits,
		opts:    opts,
		base:    logger,
		logger:  logger.With().Str("component", "distributor").Logger(),
		subs:    make(map[string]Subscriber),
	}
}

// Subscribe registers a subscriber for broadcasts.
func (d *Distributor) Subscribe(sub Subscriber) {
	d.subsMu.Lock()
	d.subs[sub.ID()] = sub
	count := len(d.subs)
	d.subsMu.Unlock()
	d.logger.Debug().Str("subscriber", sub.ID()).Int("subscribers", count).Msg("subscriber added")
}

// Unsubscribe removes a subscriber.
func (d *Distributor) Unsubscribe(id string) {
	d.subsMu.Lock()
	delete(d.subs, id)
	count := len(d.subs)
	d.subsMu.Unlock()
	d.logger.Debug().Str("subscriber", id).Int("subscribers", count).Msg("subscriber removed")
}

// Subscribers returns the number of registered subscribers.
func (d *Distributor) Subscribers() int {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()
	return len(d.subs)
}

func (d *Distributor) subscribers() []Subscriber {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()
	out := make([]Subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		out = append(out, sub)
	}
	return out
}

// Refresh fetches current and forecast intervals and builds a snapshot.
// When record is set the current interval is appended to history.
func (d *Distributor) Refresh(ctx context.Context, record bool) (Snapshot, error) {
	intervals, err := d.source.GetCurrentPrices(ctx, d.opts.SiteID, fetcher.CurrentOptions{Next: d.opts.Lookahead})
	if err != nil {
		return Snapshot{}, err
	}

	selected, channel, ok := alerting.SelectChannel(intervals)
	if !ok {
		return Snapshot{}, ErrNoPriceChannel
	}

	now := d.opts.Now()
	snap := Snapshot{
		Forecast:    alerting.Forecasts(selected),
		ChannelType: channel,
		GeneratedAt: now,
	}
	if current, ok := alerting.CurrentInterval(selected); ok {
		snap.Current = &current
		if record && d.history != nil {
			d.history.Append(ctx, storage.HistoryRecord{
				Price:       current.PerKwh,
				ObservedAt:  current.NemTime,
				Descriptor:  string(current.Descriptor),
				Renewables:  current.Renewables,
				CapturedAt:  now,
				ChannelType: string(current.ChannelType),
			})
		}
	}
	if d.history != nil {
		snap.History = d.history.Recent(d.opts.LiveWindow)
	}
	if snap.History == nil {
		snap.History = []storage.HistoryRecord{}
	}
	if d.limits != nil {
		snap.RateLimit = d.limits.Current()
	}

	d.snapMu.Lock()
	d.latest = &snap
	d.latestAt = now
	d.snapMu.Unlock()
	return snap, nil
}

// Latest returns the last built snapshot.
func (d *Distributor) Latest() (Snapshot, bool) {
	d.snapMu.RLock()
	defer d.snapMu.RUnlock()
	if d.latest == nil {
		return Snapshot{}, false
	}
	return *d.latest, true
}

// PushSnapshot refreshes and sends the snapshot to sub, or to every open
// subscriber when sub is nil. When the refresh fails the previous snapshot is
// sent if one exists.
func (d *Distributor) PushSnapshot(ctx context.Context, sub Subscriber) error {
	snap, err := d.Refresh(ctx, true)
	if err != nil {
		d.logRefreshFailure(err)
		cached, ok := d.Latest()
		if !ok {
			if isSoft(err) {
				return nil
			}
			return err
		}
		snap = cached
	}

	targets := []Subscriber{sub}
	if sub == nil {
		targets = d.subscribers()
	}

	msg := Message{Type: MessageType, Data: snap}
	sent := 0
	for _, target := range targets {
		if !target.Open() {
			continue
		}
		if sendErr := target.Send(msg); sendErr != nil {
			d.logger.Warn().Err(sendErr).Str("subscriber", target.ID()).Msg("failed to push snapshot")
			continue
		}
		sent++
	}
	d.logger.Debug().Int("sent", sent).Int("targets", len(targets)).Msg("snapshot pushed")
	return nil
}

// GetSnapshot serves pull requests. A snapshot younger than the cadence is
// reused; otherwise a fresh one is built without touching history.
func (d *Distributor) GetSnapshot(ctx context.Context) (Snapshot, error) {
	d.snapMu.RLock()
	latest, at := d.latest, d.latestAt
	d.snapMu.RUnlock()

	if latest != nil && d.opts.Now().Sub(at) < d.opts.Interval {
		return *latest, nil
	}

	snap, err := d.Refresh(ctx, false)
	if err != nil {
		d.logRefreshFailure(err)
		if latest != nil {
			return *latest, nil
		}
		return Snapshot{}, err
	}
	return snap, nil
}

// Run pushes after the startup delay and then on every interval until ctx ends.
func (d *Distributor) Run(ctx context.Context) error {
	spec, err := scheduler.IntervalSpec(d.opts.Interval)
	if err != nil {
		return err
	}
	loop, err := scheduler.New(spec, func(ctx context.Context, _ time.Time) error {
		return d.PushSnapshot(ctx, nil)
	}, scheduler.Options{}, d.base.With().Str("loop", "distributor").Logger())
	if err != nil {
		return err
	}

	if d.opts.StartupDelay > 0 {
		timer := time.NewTimer(d.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	if err := loop.RunOnce(ctx); err != nil {
		d.logger.Error().Err(err).Msg("initial snapshot push failed")
	}
	if err := loop.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	loop.Stop()
	return nil
}

func (d *Distributor) logRefreshFailure(err error) {
	if isSoft(err) {
		d.logger.Warn().Err(err).Msg("no price data for snapshot")
		return
	}
	d.logger.Error().Err(err).Msg("failed to refresh snapshot")
}

func isSoft(err error) bool {
	return errors.Is(err, fetcher.ErrNoActiveSite) || errors.Is(err, ErrNoPriceChannel)
}
