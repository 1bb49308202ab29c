package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkowalski/foresight/internal/budget"
	"github.com/mkowalski/foresight/internal/config"
	"github.com/mkowalski/foresight/internal/dispatch"
	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/newsletter"
	"github.com/mkowalski/foresight/internal/orchestrator"
	"github.com/mkowalski/foresight/internal/progress"
	"github.com/mkowalski/foresight/internal/runner"
	"github.com/mkowalski/foresight/internal/session"
	"github.com/mkowalski/foresight/internal/store"
	"github.com/mkowalski/foresight/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch loop: claim pending records and process them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		mgr.OnChange(func(next *config.Config) {
			logger.Info("configuration reloaded",
				"daily_budget_usd", next.Budget.DailyBudgetUSD,
				"min_signal_confidence", next.Analysis.MinSignalConfidence)
		})
		mgr.WatchConfig()

		st, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		metricsRec := metrics.NewRecorder(metrics.RecorderConfig{Store: st, Logger: logger})
		metricsRec.Start(ctx)
		defer metricsRec.Stop()

		run, err := buildRunner(ctx, cfg, st, metricsRec, logger)
		if err != nil {
			return err
		}

		machine := session.NewMachine(session.MachineConfig{Store: st, Logger: logger})

		gen := newsletter.New(newsletter.Config{
			Store:    st,
			Progress: progress.NewRecorder(progress.RecorderConfig{Store: st, Logger: logger}),
			Metrics:  metricsRec,
			Logger:   logger,
		})

		d := dispatch.New(dispatch.Config{
			Store:        st,
			Machine:      machine,
			Runner:       run,
			Generator:    gen,
			Logger:       logger,
			Workers:      cfg.Dispatch.Workers,
			PollInterval: time.Duration(cfg.Dispatch.PollIntervalSeconds) * time.Second,
		})

		logger.Info("foresight serving",
			"runner_mode", cfg.Runner.Mode,
			"workers", cfg.Dispatch.Workers,
			"daily_budget_usd", cfg.Budget.DailyBudgetUSD)
		d.Run(ctx)
		return nil
	},
}

func buildRunner(ctx context.Context, cfg *config.Config, st store.Store, rec *metrics.Recorder, logger *slog.Logger) (runner.Runner, error) {
	// The in-memory store lives and dies with this process. A child process
	// or container would open its own empty copy and find no session,
	// articles, or budget ledger, so dev mode runs items in-process instead.
	if _, ok := st.(*store.Memory); ok {
		logger.Warn("in-memory store: items run in-process without isolation")
		return inProcessRunner(cfg, st, rec, logger), nil
	}

	switch cfg.Runner.Mode {
	case "", "process":
		return runner.NewProcessRunner(runner.ProcessConfig{
			ConfigPath:       cfgFile,
			Timeout:          cfg.Runner.Timeout(),
			MaxOutputRetries: cfg.Runner.MaxOutputRetries,
			Logger:           logger,
		})
	case "docker":
		return runner.NewDockerRunner(ctx, runner.DockerConfig{
			Image: cfg.Runner.Image,
			Env: []string{
				"FORESIGHT_DATABASE_URL=" + config.ResolveEnvVars(cfg.Database.URL),
				"OPENAI_API_KEY=" + config.ResolveEnvVars(cfg.OpenAI.APIKey),
			},
			Timeout:          cfg.Runner.Timeout(),
			MaxOutputRetries: cfg.Runner.MaxOutputRetries,
			Logger:           logger,
		})
	default:
		return nil, fmt.Errorf("unknown runner mode %q (want process or docker)", cfg.Runner.Mode)
	}
}

// inProcessRunner runs each item's two-stage flow directly in this process
// against the shared store. One orchestrator per item keeps the budget
// tracker bound to the item's session.
func inProcessRunner(cfg *config.Config, st store.Store, rec *metrics.Recorder, logger *slog.Logger) runner.Runner {
	analyzer, validator := buildCapability(cfg, logger)

	return runner.Func(func(ctx context.Context, sessionID, articleID string) (*types.ItemOutcome, error) {
		orch := orchestrator.New(orchestrator.Config{
			Analyzer:            analyzer,
			Validator:           validator,
			Tracker:             budget.NewSessionTracker(st, sessionID),
			Store:               st,
			Metrics:             rec,
			Logger:              logger,
			Stage1EstimateUSD:   cfg.Budget.Stage1EstimateUSD,
			Stage2EstimateUSD:   cfg.Budget.Stage2EstimateUSD,
			MinSignalConfidence: cfg.Analysis.MinSignalConfidence,
			MaxRetries:          cfg.Analysis.MaxCapabilityRetries,
		})
		return orch.ProcessItem(ctx, sessionID, articleID)
	})
}
