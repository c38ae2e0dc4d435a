package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"feedin-alerts/internal/alerting"
	"feedin-alerts/internal/fetcher"
	"feedin-alerts/internal/storage"
)

// backfillWindow bounds one GetPrices request.
const backfillWindow = 7 * 24 * time.Hour

// Backfill seeds history from past intervals. Only intervals newer than the
// current head are appended, oldest first, so the newest-first order holds.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start := opts.From.UTC()
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("backfill range is empty; check --from/--to")
	}

	store, _, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	client := a.newClient()
	siteID, err := client.ResolveSite(ctx, a.Config.Amber.SiteID)
	if err != nil {
		return fmt.Errorf("resolve site: %w", err)
	}

	retryOpts := fetcher.RetryOptions{BaseDelay: a.retryDelay, Logger: &a.Logger}

	var collected []fetcher.Interval
	processed := 0
	failed := 0
	for window := start; window.Before(end); window = window.Add(backfillWindow) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		windowEnd := window.Add(backfillWindow)
		if windowEnd.After(end) {
			windowEnd = end
		}

		rangeOpts := fetcher.RangeOptions{
			StartDate:  window,
			EndDate:    windowEnd,
			Resolution: fetcher.Resolution30,
		}
		intervals, err := fetcher.WithRetry(ctx, retryOpts, func(ctx context.Context) ([]fetcher.Interval, error) {
			return client.GetPrices(ctx, siteID, rangeOpts)
		})
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("from", window).Time("to", windowEnd).Msg("backfill window failed")
			continue
		}
		collected = append(collected, intervals...)
		processed++
	}

	head, hasHead := store.Head()
	records := backfillRecords(collected, start, end, head, hasHead, store.Capacity(), time.Now().UTC())

	if opts.DryRun {
		a.Logger.Warn().Int("candidates", len(records)).Msg("backfill dry-run; history not modified")
	} else {
		appended := 0
		for _, rec := range records {
			if store.Append(ctx, rec) {
				appended++
			}
		}
		a.Logger.Info().Int("appended", appended).Int("history", store.Len()).Msg("history backfilled")
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("backfill complete")
	if failed > 0 {
		return errors.New("some backfill windows failed; check logs")
	}
	return nil
}

// backfillRecords converts past intervals into records newer than head,
// ordered oldest first and capped to the newest capacity entries.
func backfillRecords(intervals []fetcher.Interval, from, to time.Time, head storage.HistoryRecord, hasHead bool, capacity int, capturedAt time.Time) []storage.HistoryRecord {
	selected, _, ok := alerting.SelectChannel(intervals)
	if !ok {
		return nil
	}

	seen := make(map[time.Time]bool, len(selected))
	past := make([]fetcher.Interval, 0, len(selected))
	for _, interval := range selected {
		if interval.Type == fetcher.ForecastInterval {
			continue
		}
		if interval.NemTime.Before(from) || interval.NemTime.After(to) {
			continue
		}
		if hasHead && !interval.NemTime.After(head.ObservedAt) {
			continue
		}
		key := interval.NemTime.UTC()
		if seen[key] {
			continue
		}
		seen[key] = true
		past = append(past, interval)
	}

	sort.Slice(past, func(i, j int) bool { return past[i].NemTime.Before(past[j].NemTime) })
	if capacity > 0 && len(past) > capacity {
		past = past[len(past)-capacity:]
	}

	records := make([]storage.HistoryRecord, 0, len(past))
	for _, interval := range past {
		records = append(records, storage.HistoryRecord{
			Price:       interval.PerKwh,
			ObservedAt:  interval.NemTime,
			Descriptor:  string(interval.Descriptor),
			Renewables:  interval.Renewables,
			CapturedAt:  capturedAt,
			ChannelType: string(interval.ChannelType),
		})
	}
	return records
}
