package main

import (
	"io"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/spf13/cobra"
)

func newActivityCmd() *cobra.Command {
	var (
		flagDevice string
		flagTask   string
		flagLimit  int
	)

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the activity log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListActivity(cmd.Context(), farmagent.ActivityFilter{
				DeviceID: flagDevice,
				TaskID:   flagTask,
				Limit:    flagLimit,
			})
			if err != nil {
				return err
			}
			return printActivity(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&flagDevice, "device", "", "Filter by device serial")
	cmd.Flags().StringVar(&flagTask, "task", "", "Filter by task id")
	cmd.Flags().IntVar(&flagLimit, "limit", 100, "Maximum number of entries")
	return cmd
}

func printActivity(w io.Writer, entries []farmagent.ActivityLogEntry) error {
	tw := newTable(w)
	printf(tw, "TIME\tDEVICE\tTASK\tACTION\tOUTCOME\tDETAIL\n")
	for _, e := range entries {
		printf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05.000"),
			orDash(e.DeviceID), orDash(e.TaskID), e.Action, e.Outcome, orDash(e.Detail))
	}
	return tw.Flush()
}
