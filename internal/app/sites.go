package app

import (
	"context"
	"fmt"
	"text/tabwriter"
)

// Sites prints every site on the account.
func (a *App) Sites(ctx context.Context) error {
	sites, err := a.newClient().ListSites(ctx)
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		fmt.Fprintln(a.Out, "no sites found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNMI\tNetwork\tStatus\tChannels")
	for _, site := range sites {
		channels := ""
		for i, ch := range site.Channels {
			if i > 0 {
				channels += ","
			}
			channels += string(ch.Type)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", site.ID, site.NMI, sanitizeInline(site.Network), site.Status, channels)
	}
	return writer.Flush()
}
