package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendguard/pkg/models"
)

func newJobCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit jobs and check their status",
	}

	var (
		id       string
		kind     string
		duration float64
		tokens   int
		label    string
		estimate float64
		mock     bool
	)
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job through admission",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := models.ParseJobKind(kind)
			if err != nil {
				return err
			}
			req := models.JobRequest{ID: id, Kind: k, Mode: models.ModeLive}
			if mock {
				req.Mode = models.ModeMock
			}
			if cmd.Flags().Changed("estimate") {
				req.EstimatedCostUSD = &estimate
			}
			switch k {
			case models.KindTranscription:
				if cmd.Flags().Changed("duration") {
					req.Params.Transcription = &models.TranscriptionParams{DurationSeconds: duration}
				}
			case models.KindTranslation:
				if cmd.Flags().Changed("tokens") {
					req.Params.Translation = &models.TranslationParams{Tokens: tokens}
				}
			case models.KindGeneric:
				if label != "" {
					req.Params.Generic = &models.GenericParams{Label: label}
				}
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.AdmitJob(context.Background(), req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	submitCmd.Flags().StringVar(&id, "id", "", "job id (generated when empty)")
	submitCmd.Flags().StringVarP(&kind, "kind", "k", "transcription", "job kind: transcription, translation or generic")
	submitCmd.Flags().Float64Var(&duration, "duration", 0, "audio duration in seconds (transcription)")
	submitCmd.Flags().IntVar(&tokens, "tokens", 0, "token count (translation)")
	submitCmd.Flags().StringVar(&label, "label", "", "label (generic)")
	submitCmd.Flags().Float64Var(&estimate, "estimate", 0, "explicit cost estimate in USD")
	submitCmd.Flags().BoolVar(&mock, "mock", false, "run with the mock executor")

	statusCmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.svc.GetJobStatus(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}

	cmd.AddCommand(submitCmd, statusCmd)
	return cmd
}
