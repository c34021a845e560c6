package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendguard/pkg/models"
)

func newOutreachCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outreach",
		Short: "Send throttled outreach emails and inspect volume",
	}

	var (
		policy string
		file   string
		daily  bool
	)
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send a batch from a JSON file of recipients, or run the daily automation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !daily && file == "" {
				return fmt.Errorf("either --file or --daily is required")
			}
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := context.Background()

			if daily {
				if err := a.svc.RunDailyOutreach(ctx); err != nil {
					return err
				}
				st, err := a.svc.EmailStats(ctx)
				if err != nil {
					return err
				}
				return printEmailStats(st)
			}

			recipients, err := readRecipients(file)
			if err != nil {
				return err
			}
			res, err := a.svc.SendOutreachBatch(ctx, policy, recipients)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	sendCmd.Flags().StringVarP(&policy, "policy", "p", "simple", "recipient policy: simple or tiered")
	sendCmd.Flags().StringVarP(&file, "file", "f", "", "JSON array of recipients")
	sendCmd.Flags().BoolVar(&daily, "daily", false, "run the tiered policy over stored recipients, then the retry sweep")

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Store recipients from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipients, err := readRecipients(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			stored := 0
			for _, r := range recipients {
				if _, err := a.svc.AddRecipient(ctx, r); err != nil {
					fmt.Fprintf(os.Stderr, "skip %s: %v\n", r.Email, err)
					continue
				}
				stored++
			}
			fmt.Printf("Stored %d of %d recipients.\n", stored, len(recipients))
			return nil
		},
	}

	unsubCmd := &cobra.Command{
		Use:   "unsubscribe EMAIL",
		Short: "Permanently exclude an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.svc.Unsubscribe(context.Background(), args[0])
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show today's send volume vs caps",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.svc.EmailStats(context.Background())
			if err != nil {
				return err
			}
			return printEmailStats(st)
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-send failed deliveries from the retry queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.RetryOutreach(context.Background())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	cmd.AddCommand(sendCmd, importCmd, unsubCmd, statsCmd, retryCmd)
	return cmd
}

func readRecipients(path string) ([]models.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}
	var out []models.Recipient
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse recipients: %w", err)
	}
	return out, nil
}

func printEmailStats(st models.EmailStats) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tTODAY\tDAILY CAP\tHOUR\tHOURLY CAP\tEVENTS\tRETRY QUEUE")
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
		st.Date, st.TodayCount, st.DailyCap, st.HourCount, st.HourlyCap, st.TotalEvents, st.RetryQueued)
	return w.Flush()
}
