package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendguard/pkg/models"
)

func newSpendCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Inspect and adjust today's spend ledger",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's spend vs caps",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			st, err := a.svc.GetSpendStatus(ctx)
			if err != nil {
				return err
			}
			if err := printSpend(st); err != nil {
				return err
			}

			events, err := a.svc.SpendEvents(ctx, st.Date)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return nil
			}
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tJOB\tESTIMATED\tACTUAL\tTOTAL AFTER")
			for _, e := range events {
				est := "-"
				if e.EstimatedCostUSD != nil {
					est = fmt.Sprintf("$%.4f", *e.EstimatedCostUSD)
				}
				job := e.JobID
				if job == "" {
					job = "(manual)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t$%.4f\n",
					e.Timestamp.Format("15:04:05"), job, est, e.ActualCostUSD, e.LedgerTotalAfter)
			}
			return w.Flush()
		},
	}

	addCmd := &cobra.Command{
		Use:   "add USD",
		Short: "Commit a manual amount to today's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var usd float64
			if _, err := fmt.Sscanf(args[0], "%g", &usd); err != nil {
				return fmt.Errorf("invalid amount %q", args[0])
			}
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.svc.AddSpend(context.Background(), usd)
			if err != nil {
				return err
			}
			return printSpend(st)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero today's spend (queued jobs wait for the next replay)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.svc.ResetSpend(context.Background())
			if err != nil {
				return err
			}
			return printSpend(st)
		},
	}

	cmd.AddCommand(statusCmd, addCmd, resetCmd)
	return cmd
}

func printSpend(st models.SpendStatus) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSPENT\tSOFT CAP\tHARD CAP\tQUEUED")
	fmt.Fprintf(w, "%s\t$%.4f\t$%.2f\t$%.2f\t%d\n", st.Date, st.SpentUSD, st.SoftCapUSD, st.HardCapUSD, st.QueuedCount)
	return w.Flush()
}
