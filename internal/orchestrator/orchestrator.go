// Package orchestrator runs the two-stage per-item analysis pipeline.
//
// Stage 1 extracts sentiment, impact, and weak signals from an article.
// Stage 2 validates qualifying signals against independent research. Every
// paid call reserves budget first; a denied reservation flags the item for
// manual review instead of failing the batch. Failures are isolated per
// item: one article's bad output never aborts its siblings.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/mkowalski/foresight/internal/budget"
	"github.com/mkowalski/foresight/internal/capability"
	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/store"
	"github.com/mkowalski/foresight/internal/types"
)

// ItemStore is the slice of the store the orchestrator needs.
type ItemStore interface {
	GetArticle(ctx context.Context, articleID string) (*types.Article, error)
	GetAnalysisResult(ctx context.Context, articleID string) (*types.AnalysisResult, error)
	SaveItemOutcome(ctx context.Context, sessionID string, out *types.ItemOutcome) error
}

// Config configures an orchestrator. Thresholds and estimates arrive as an
// explicit value; there is no global settings object.
type Config struct {
	Analyzer  capability.Analyzer
	Validator capability.Validator
	Tracker   budget.Tracker
	Store     ItemStore
	Metrics   *metrics.Recorder
	Logger    *slog.Logger

	Stage1EstimateUSD   float64
	Stage2EstimateUSD   float64
	MinSignalConfidence float64

	// MaxRetries bounds transient capability retries per stage.
	MaxRetries int
}

// Orchestrator processes items against the capabilities under a budget.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

// ProcessItem runs the full per-item flow and persists the outcome. The
// returned error is non-nil only for persistence failures; analysis errors
// are captured inside the outcome so callers can keep going.
func (o *Orchestrator) ProcessItem(ctx context.Context, sessionID, articleID string) (*types.ItemOutcome, error) {
	out := o.analyzeItem(ctx, sessionID, articleID)

	if err := o.cfg.Store.SaveItemOutcome(ctx, sessionID, out); err != nil {
		return out, fmt.Errorf("persist outcome %s: %w", articleID, err)
	}
	return out, nil
}

// analyzeItem computes the outcome without persisting it.
func (o *Orchestrator) analyzeItem(ctx context.Context, sessionID, articleID string) *types.ItemOutcome {
	out := &types.ItemOutcome{ArticleID: articleID}

	// Redelivered work for an already-analyzed article is a no-op success.
	if existing, err := o.cfg.Store.GetAnalysisResult(ctx, articleID); err == nil && existing != nil {
		out.Success = true
		out.Result = existing
		return out
	}

	article, err := o.cfg.Store.GetArticle(ctx, articleID)
	if err != nil {
		out.Error = err.Error()
		out.RequiresManualReview = true
		out.ReviewReason = types.ReviewAgentError
		return out
	}

	// Stage 1: content analysis. Budget is reserved before the call; a
	// denied reservation ends the item without touching stage 2.
	if ok, err := o.cfg.Tracker.Reserve(ctx, o.cfg.Stage1EstimateUSD); err != nil {
		out.Error = err.Error()
		out.RequiresManualReview = true
		out.ReviewReason = types.ReviewAgentError
		return out
	} else if !ok {
		out.RequiresManualReview = true
		out.ReviewReason = types.ReviewBudgetExceeded
		out.Error = budget.ErrBudgetExceeded.Error()
		return out
	}

	analysis, err := o.invokeAnalyze(ctx, sessionID, article)
	if err != nil {
		// The reservation was spent on failed attempts; release it.
		_ = o.cfg.Tracker.CommitActual(ctx, -o.cfg.Stage1EstimateUSD)
		out.Error = err.Error()
		out.RequiresManualReview = true
		out.ReviewReason = types.ReviewAgentError
		return out
	}
	_ = o.cfg.Tracker.CommitActual(ctx, analysis.CostUSD-o.cfg.Stage1EstimateUSD)
	out.ActualCost = analysis.CostUSD

	result := &types.AnalysisResult{
		ArticleID:  articleID,
		SessionID:  sessionID,
		Analysis:   analysis.Analysis,
		ActualCost: analysis.CostUSD,
		Usage:      analysis.Usage,
		CreatedAt:  time.Now().UTC(),
	}

	// Stage-2 gate: at least one signal, and the strongest clears the
	// confidence floor. Otherwise the item finishes on stage-1 cost alone.
	qualifying := qualifyingSignals(analysis.Analysis.WeakSignals, o.cfg.MinSignalConfidence)
	if len(qualifying) == 0 {
		out.Success = true
		out.Result = result
		return out
	}

	if ok, err := o.cfg.Tracker.Reserve(ctx, o.cfg.Stage2EstimateUSD); err != nil {
		out.Error = err.Error()
		out.RequiresManualReview = true
		out.ReviewReason = types.ReviewAgentError
		return out
	} else if !ok {
		out.RequiresManualReview = true
		out.ReviewReason = types.ReviewBudgetExceeded
		out.Error = budget.ErrBudgetExceeded.Error()
		return out
	}

	validation, err := o.invokeValidate(ctx, sessionID, article, qualifying)
	if err != nil {
		_ = o.cfg.Tracker.CommitActual(ctx, -o.cfg.Stage2EstimateUSD)
		out.Error = err.Error()
		out.RequiresManualReview = true
		out.ReviewReason = types.ReviewAgentError
		return out
	}
	_ = o.cfg.Tracker.CommitActual(ctx, validation.CostUSD-o.cfg.Stage2EstimateUSD)
	out.ActualCost += validation.CostUSD

	mergeValidations(result.Analysis.WeakSignals, validation.Validations)
	result.Validated = true
	result.ActualCost = out.ActualCost
	result.Usage = addUsage(result.Usage, validation.Usage)

	out.Success = true
	out.Result = result
	return out
}

func (o *Orchestrator) invokeAnalyze(ctx context.Context, sessionID string, article *types.Article) (*capability.AnalysisOutcome, error) {
	var outcome *capability.AnalysisOutcome

	err := retry.Do(
		func() error {
			var err error
			outcome, err = o.cfg.Analyzer.Analyze(ctx, article)
			o.recordMetric(sessionID, metrics.StageAnalysis, article.ID, outcome, err)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(o.cfg.MaxRetries)),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, capability.ErrInvocation) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("stage 1 analysis: %w", err)
	}
	return outcome, nil
}

func (o *Orchestrator) invokeValidate(ctx context.Context, sessionID string, article *types.Article, signals []types.WeakSignal) (*capability.ValidationOutcome, error) {
	var outcome *capability.ValidationOutcome

	err := retry.Do(
		func() error {
			var err error
			outcome, err = o.cfg.Validator.Validate(ctx, article, signals)
			if outcome != nil {
				o.recordMetric(sessionID, metrics.StageValidation, article.ID, &capability.AnalysisOutcome{
					CostUSD: outcome.CostUSD, Usage: outcome.Usage,
					Provider: outcome.Provider, Model: outcome.Model,
					ExecutionTime: outcome.ExecutionTime,
				}, err)
			} else {
				o.recordMetric(sessionID, metrics.StageValidation, article.ID, nil, err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(o.cfg.MaxRetries)),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, capability.ErrInvocation) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("stage 2 validation: %w", err)
	}
	return outcome, nil
}

func (o *Orchestrator) recordMetric(sessionID, stage, itemKey string, outcome *capability.AnalysisOutcome, callErr error) {
	if o.cfg.Metrics == nil {
		return
	}

	m := &metrics.Metric{
		SessionID: sessionID,
		Stage:     stage,
		ItemKey:   itemKey,
		Success:   callErr == nil,
		CreatedAt: time.Now().UTC(),
	}
	if outcome != nil {
		m.Provider = outcome.Provider
		m.Model = outcome.Model
		m.CostUSD = outcome.CostUSD
		m.PromptTokens = outcome.Usage.PromptTokens
		m.CompletionTokens = outcome.Usage.CompletionTokens
		m.TotalTokens = outcome.Usage.TotalTokens
		m.ExecutionSeconds = outcome.ExecutionTime.Seconds()
	}
	if callErr != nil {
		m.ErrorType = errorType(callErr)
	}
	o.cfg.Metrics.Record(m)
}

func errorType(err error) string {
	if errors.Is(err, capability.ErrInvocation) {
		return "agent_invocation"
	}
	return "internal"
}

// qualifyingSignals returns the signals eligible for stage 2. The gate is
// the strongest signal: if it misses the floor, nothing qualifies.
func qualifyingSignals(signals []types.WeakSignal, minConfidence float64) []types.WeakSignal {
	var strongest float64
	for i := range signals {
		if signals[i].Confidence > strongest {
			strongest = signals[i].Confidence
		}
	}
	if len(signals) == 0 || strongest < minConfidence {
		return nil
	}

	var out []types.WeakSignal
	for i := range signals {
		if signals[i].Confidence >= minConfidence {
			out = append(out, signals[i])
		}
	}
	return out
}

// mergeValidations writes stage-2 verdicts back onto the matching signals.
func mergeValidations(signals []types.WeakSignal, validations []types.SignalValidation) {
	byType := make(map[string]*types.SignalValidation, len(validations))
	for i := range validations {
		byType[validations[i].SignalType] = &validations[i]
	}

	for i := range signals {
		v, ok := byType[signals[i].SignalType]
		if !ok {
			continue
		}
		signals[i].ValidationStatus = v.ValidationStatus
		signals[i].ConfidenceAdjustment = v.ConfidenceAdjustment
		signals[i].ResearchSources = append([]string(nil), v.ResearchSources...)
	}
}

func addUsage(a, b types.TokenUsage) types.TokenUsage {
	return types.TokenUsage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

var _ ItemStore = (store.Store)(nil)
