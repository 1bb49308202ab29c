// Package capability wraps the paid analysis capabilities the pipeline
// consumes: stage-1 content analysis and stage-2 signal validation. The
// orchestrator treats both as opaque, replaceable collaborators.
package capability

import (
	"context"
	"errors"
	"time"

	"github.com/mkowalski/foresight/internal/types"
)

// ErrInvocation marks a transient capability failure (timeout, rate limit,
// upstream 5xx). Callers retry up to a bounded count before marking the item
// failed.
var ErrInvocation = errors.New("capability invocation failed")

// Analyzer runs stage-1 content analysis on one article.
type Analyzer interface {
	Analyze(ctx context.Context, article *types.Article) (*AnalysisOutcome, error)
	Name() string
}

// Validator runs stage-2 validation over qualifying weak signals.
type Validator interface {
	Validate(ctx context.Context, article *types.Article, signals []types.WeakSignal) (*ValidationOutcome, error)
	Name() string
}

// AnalysisOutcome is the typed stage-1 result plus its billed usage.
type AnalysisOutcome struct {
	Analysis types.ContentAnalysis `json:"analysis"`

	CostUSD       float64          `json:"cost_usd"`
	Usage         types.TokenUsage `json:"usage"`
	Provider      string           `json:"provider"`
	Model         string           `json:"model"`
	ExecutionTime time.Duration    `json:"execution_time"`
}

// ValidationOutcome is the typed stage-2 result plus its billed usage.
type ValidationOutcome struct {
	Validations []types.SignalValidation `json:"validations"`

	CostUSD       float64          `json:"cost_usd"`
	Usage         types.TokenUsage `json:"usage"`
	Provider      string           `json:"provider"`
	Model         string           `json:"model"`
	ExecutionTime time.Duration    `json:"execution_time"`
}
