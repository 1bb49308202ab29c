package main

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/newsletter"
	"github.com/mkowalski/foresight/internal/progress"
)

var (
	generateTaskID   string
	generateLookback time.Duration
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a newsletter issue from recent validated signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		st, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		metricsRec := metrics.NewRecorder(metrics.RecorderConfig{Store: st, Logger: logger})
		metricsRec.Start(ctx)
		defer metricsRec.Stop()

		taskID := generateTaskID
		if taskID == "" {
			taskID = uuid.NewString()
		}

		gen := newsletter.New(newsletter.Config{
			Store:    st,
			Progress: progress.NewRecorder(progress.RecorderConfig{Store: st, Logger: logger}),
			Metrics:  metricsRec,
			Logger:   logger,
			Lookback: generateLookback,
		})
		if err := gen.Generate(ctx, taskID); err != nil {
			return err
		}

		issue, err := st.GetIssue(ctx, taskID)
		if err != nil {
			return err
		}
		return printJSON(issue)
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateTaskID, "task-id", "", "task id (default: new UUID; reuse to make reruns idempotent)")
	generateCmd.Flags().DurationVar(&generateLookback, "lookback", 0, "selection window (default 168h)")
}
