package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints the most recent history records, newest first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, _, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records := store.Recent(opts.Limit)
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no history records found")
		return nil
	}

	loc := a.Config.Location()
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Interval End (%s)\tChannel\tPrice c/kWh\tDescriptor\tRenewables%%\tCaptured (UTC)\n", loc)

	for _, rec := range records {
		channel := rec.ChannelType
		if channel == "" {
			channel = "-"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%.0f\t%s\n",
			rec.ObservedAt.In(loc).Format("2006-01-02 15:04"),
			channel,
			formatDecimal(rec.Price, 2),
			sanitizeInline(rec.Descriptor),
			rec.Renewables,
			rec.CapturedAt.UTC().Format(time.RFC3339),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
