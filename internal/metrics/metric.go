// Package metrics provides cost and usage tracking for paid analysis calls.
package metrics

import (
	"context"
	"time"
)

// Stage identifies which pipeline stage a metric belongs to.
const (
	StageAnalysis   = "analysis"
	StageValidation = "validation"
	StageGeneration = "generation"
)

// Metric is a single recorded cost/usage row for one capability call.
// Metrics are append-only records with full attribution.
type Metric struct {
	ID string `json:"id,omitempty"`

	// Attribution (for filtering/aggregation)
	SessionID   string `json:"session_id,omitempty"`
	BatchNumber int    `json:"batch_number,omitempty"`
	TaskID      string `json:"task_id,omitempty"` // generation jobs
	Stage       string `json:"stage,omitempty"`
	ItemKey     string `json:"item_key,omitempty"` // e.g. article id, "writing_step"

	// Provider info
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Cost and tokens
	CostUSD          float64 `json:"cost_usd,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`

	// Timing
	ExecutionSeconds float64 `json:"execution_seconds,omitempty"`

	// Status
	Success   bool   `json:"success"`
	ErrorType string `json:"error_type,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Store persists metric rows.
type Store interface {
	InsertMetric(ctx context.Context, m *Metric) error
	ListMetrics(ctx context.Context, f Filter) ([]Metric, error)
}

// Filter narrows metric queries. Zero values match everything.
type Filter struct {
	SessionID string
	TaskID    string
	Stage     string
	ItemKey   string
}

// Matches reports whether a metric satisfies the filter.
func (f Filter) Matches(m *Metric) bool {
	if f.SessionID != "" && m.SessionID != f.SessionID {
		return false
	}
	if f.TaskID != "" && m.TaskID != f.TaskID {
		return false
	}
	if f.Stage != "" && m.Stage != f.Stage {
		return false
	}
	if f.ItemKey != "" && m.ItemKey != f.ItemKey {
		return false
	}
	return true
}
