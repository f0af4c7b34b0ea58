package main

import (
	"io"
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var (
		flagDevice string
		flagApp    string
		flagSince  time.Duration
		flagRecent int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize view time and interactions per app and per device",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			filter := farmagent.StatsFilter{
				DeviceID:    flagDevice,
				AppTarget:   flagApp,
				RecentLimit: flagRecent,
			}
			if flagSince > 0 {
				filter.Since = time.Now().Add(-flagSince)
			}
			summary, err := store.Summary(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().StringVar(&flagDevice, "device", "", "Only count activity of this device serial")
	cmd.Flags().StringVar(&flagApp, "app", "", "Only count activity of this application id")
	cmd.Flags().DurationVar(&flagSince, "since", 0, "Only count activity within this window, e.g. 24h (default all time)")
	cmd.Flags().IntVar(&flagRecent, "recent", 10, "Number of recent entries shown")
	return cmd
}

func printSummary(w io.Writer, s *farmagent.StatsSummary) error {
	tw := newTable(w)
	printf(tw, "VIEWS\tVIEW TIME\tINTERACTIONS\n")
	printf(tw, "%d\t%s\t%d\n\n", s.TotalViews, s.TotalViewTime, s.TotalInteractions)

	printUsage := func(title string, rows []farmagent.UsageStats) {
		printf(tw, "%s\tVIEWS\tVIEW TIME\tINTERACTIONS\n", title)
		for _, u := range rows {
			printf(tw, "%s\t%d\t%s\t%d\n", orDash(u.Key), u.Views, u.ViewTime, u.Interactions)
		}
		printf(tw, "\n")
	}
	printUsage("APP", s.ByApp)
	printUsage("DEVICE", s.ByDevice)
	if err := tw.Flush(); err != nil {
		return err
	}
	printf(w, "RECENT\n")
	return printActivity(w, s.Recent)
}
