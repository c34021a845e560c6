package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newReplayCmd(configPath *string) *cobra.Command {
	var (
		reset bool
		list  bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay queued and delayed jobs now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := context.Background()

			if list {
				entries, err := a.svc.PendingJobs(ctx)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Println("No queued jobs.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "JOB\tREASON\tQUEUED AT")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.JobID, e.Reason, e.QueuedAt.Format("2006-01-02T15:04:05"))
				}
				return w.Flush()
			}

			run := a.svc.ReplayNow
			if reset {
				run = a.svc.DailyReset
			}
			res, err := run(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "zero today's spend first and replay the whole queue")
	cmd.Flags().BoolVar(&list, "list", false, "list the queue without replaying")
	return cmd
}
