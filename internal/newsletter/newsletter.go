// Package newsletter turns validated weak signals into a publishable issue.
// A generation run walks four steps — selection, synthesis, writing,
// storage — and reports each through the progress recorder so pollers can
// watch a long run without touching the pipeline.
package newsletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkowalski/foresight/internal/budget"
	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/progress"
	"github.com/mkowalski/foresight/internal/store"
	"github.com/mkowalski/foresight/internal/types"
)

// Store is the persistence slice a generation run needs.
type Store interface {
	ListAnalysisResults(ctx context.Context, f store.ResultFilter) ([]types.AnalysisResult, error)
	SaveIssue(ctx context.Context, issue *types.NewsletterIssue) error
	GetProgress(ctx context.Context, taskID string) (*progress.GenerationProgress, error)
}

// Writer drafts prose from a synthesis brief. Optional: without one, the
// generator renders a deterministic markdown issue from the themes.
type Writer interface {
	Draft(ctx context.Context, brief string) (text string, costUSD float64, err error)
}

// Config configures a Generator.
type Config struct {
	Store    Store
	Progress *progress.Recorder
	Tracker  budget.Tracker    // optional; gates the Writer call
	Writer   Writer            // optional
	Metrics  *metrics.Recorder // optional
	Logger   *slog.Logger

	// Selection window and caps.
	Lookback   time.Duration // default 7 days
	MaxResults int           // default 200

	// WriterEstimateUSD is reserved before a Writer call.
	WriterEstimateUSD float64
}

// Generator runs newsletter generation tasks.
type Generator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a generator.
func New(cfg Config) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 200
	}
	if cfg.WriterEstimateUSD <= 0 {
		cfg.WriterEstimateUSD = 0.10
	}
	return &Generator{cfg: cfg, logger: logger}
}

// Generate runs one task end to end. Redelivery of an already-finished task
// is a no-op; a failed run restarts from scratch. Any step error stamps the
// progress row FAILED before returning.
func (g *Generator) Generate(ctx context.Context, taskID string) error {
	row, err := g.cfg.Store.GetProgress(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load progress %s: %w", taskID, err)
	}
	if row != nil && row.Status == progress.StatusComplete {
		g.logger.Debug("generation already complete", "task_id", taskID)
		return nil
	}

	if err := g.cfg.Progress.Start(ctx, taskID); err != nil {
		return err
	}

	issue, err := g.run(ctx, taskID)
	if err != nil {
		if failErr := g.cfg.Progress.Fail(ctx, taskID, err.Error()); failErr != nil {
			g.logger.Error("stamp failed progress", "task_id", taskID, "error", failErr)
		}
		return err
	}

	if err := g.cfg.Progress.Complete(ctx, taskID); err != nil {
		return err
	}
	g.logger.Info("newsletter generated",
		"task_id", taskID, "themes", issue.ThemeCount, "signals", issue.SignalCount, "cost_usd", issue.CostUSD)
	return nil
}

func (g *Generator) run(ctx context.Context, taskID string) (*types.NewsletterIssue, error) {
	// Selection: validated results from the lookback window.
	results, err := g.cfg.Store.ListAnalysisResults(ctx, store.ResultFilter{
		ValidatedOnly: true,
		Since:         time.Now().UTC().Add(-g.cfg.Lookback),
		Limit:         g.cfg.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	if err := g.cfg.Progress.StepUpdate(ctx, taskID, progress.StepSelection, 1, nil,
		map[string]any{"selected_results": len(results)}); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no validated results in the last %s", g.cfg.Lookback)
	}

	// Synthesis: cluster signals into themes.
	themes := synthesize(results)
	if len(themes) == 0 {
		return nil, fmt.Errorf("no publishable signals among %d results", len(results))
	}
	if err := g.cfg.Progress.StepUpdate(ctx, taskID, progress.StepSynthesis, 1,
		map[string]any{
			"theme_count":    len(themes),
			"avg_confidence": averageConfidence(themes),
		},
		map[string]any{"themes": themeNames(themes)}); err != nil {
		return nil, err
	}

	// Writing: LLM draft when a writer is configured and budget allows,
	// deterministic template otherwise.
	body, cost, err := g.write(ctx, taskID, themes)
	if err != nil {
		return nil, err
	}
	if err := g.cfg.Progress.StepUpdate(ctx, taskID, progress.StepWriting, 1,
		map[string]any{"writer_cost_usd": cost}, nil); err != nil {
		return nil, err
	}

	// Storage.
	issue := &types.NewsletterIssue{
		TaskID:      taskID,
		Title:       issueTitle(themes),
		Body:        body,
		ThemeCount:  len(themes),
		SignalCount: totalSignals(themes),
		CostUSD:     cost,
		GeneratedAt: time.Now().UTC(),
	}
	if err := g.cfg.Store.SaveIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("store issue: %w", err)
	}
	if err := g.cfg.Progress.StepUpdate(ctx, taskID, progress.StepStorage, 1, nil, nil); err != nil {
		return nil, err
	}
	return issue, nil
}

func (g *Generator) write(ctx context.Context, taskID string, themes []Theme) (string, float64, error) {
	if g.cfg.Writer == nil {
		return renderIssue(themes), 0, nil
	}

	if g.cfg.Tracker != nil {
		ok, err := g.cfg.Tracker.Reserve(ctx, g.cfg.WriterEstimateUSD)
		if err != nil {
			return "", 0, fmt.Errorf("reserve writer budget: %w", err)
		}
		if !ok {
			g.logger.Warn("writer budget denied, falling back to template", "task_id", taskID)
			return renderIssue(themes), 0, nil
		}
	}

	start := time.Now()
	text, cost, err := g.cfg.Writer.Draft(ctx, synthesisBrief(themes))
	if g.cfg.Tracker != nil {
		_ = g.cfg.Tracker.CommitActual(ctx, cost-g.cfg.WriterEstimateUSD)
	}
	g.recordWriterMetric(taskID, cost, time.Since(start), err)
	if err != nil {
		g.logger.Warn("writer draft failed, falling back to template", "task_id", taskID, "error", err)
		return renderIssue(themes), cost, nil
	}
	return text, cost, nil
}

func (g *Generator) recordWriterMetric(taskID string, cost float64, elapsed time.Duration, err error) {
	if g.cfg.Metrics == nil {
		return
	}
	m := &metrics.Metric{
		TaskID:           taskID,
		Stage:            metrics.StageGeneration,
		CostUSD:          cost,
		ExecutionSeconds: elapsed.Seconds(),
		Success:          err == nil,
		CreatedAt:        time.Now().UTC(),
	}
	if err != nil {
		m.ErrorType = "writer_error"
	}
	g.cfg.Metrics.Record(m)
}
