package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkowalski/foresight/internal/budget"
	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/orchestrator"
)

var (
	analyzeSessionID string
	analyzeArticleID string
)

// analyzeItemCmd is the child half of the process isolation contract. The
// dispatch worker spawns one of these per item; the JSON outcome goes to
// stdout and logs to stderr. Exit 0 means an outcome was produced, even a
// failed one; non-zero means this process itself broke.
var analyzeItemCmd = &cobra.Command{
	Use:    "analyze-item",
	Hidden: true,
	Short:  "Analyze a single article (internal, spawned by the dispatch worker)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if analyzeSessionID == "" || analyzeArticleID == "" {
			return fmt.Errorf("--session and --article are required")
		}
		return runAnalyzeItem(cmd.Context(), analyzeSessionID, analyzeArticleID)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	analyzeItemCmd.Flags().StringVar(&analyzeSessionID, "session", "", "session id")
	analyzeItemCmd.Flags().StringVar(&analyzeArticleID, "article", "", "article id")
}

func runAnalyzeItem(ctx context.Context, sessionID, articleID string) error {
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

	analyzer, validator := buildCapability(cfg, logger)

	orch := orchestrator.New(orchestrator.Config{
		Analyzer:            analyzer,
		Validator:           validator,
		Tracker:             budget.NewSessionTracker(st, sessionID),
		Store:               st,
		Metrics:             metricsRec,
		Logger:              logger,
		Stage1EstimateUSD:   cfg.Budget.Stage1EstimateUSD,
		Stage2EstimateUSD:   cfg.Budget.Stage2EstimateUSD,
		MinSignalConfidence: cfg.Analysis.MinSignalConfidence,
		MaxRetries:          cfg.Analysis.MaxCapabilityRetries,
	})

	outcome, err := orch.ProcessItem(ctx, sessionID, articleID)
	if err != nil {
		// Persistence failed; the parent re-persists from our stdout, so
		// still emit the outcome before reporting the error.
		logger.Error("persist outcome from child", "article_id", articleID, "error", err)
	}

	enc := json.NewEncoder(os.Stdout)
	if encErr := enc.Encode(outcome); encErr != nil {
		return fmt.Errorf("encode outcome: %w", encErr)
	}
	return nil
}
