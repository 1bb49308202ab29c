package types

import "time"

// ValidationStatus is the stage-2 verdict for a single weak signal.
type ValidationStatus string

const (
	ValidationValidated    ValidationStatus = "VALIDATED"
	ValidationContradicted ValidationStatus = "CONTRADICTED"
	ValidationInconclusive ValidationStatus = "INCONCLUSIVE"
)

// WeakSignal is a low-confidence pattern extracted by stage-1 analysis.
type WeakSignal struct {
	SignalType   string   `json:"signal_type"`
	Description  string   `json:"description"`
	Confidence   float64  `json:"confidence"` // 0..1
	Implications string   `json:"implications,omitempty"`
	Evidence     []string `json:"evidence,omitempty"`
	Timeframe    string   `json:"timeframe,omitempty"`

	// Stage-2 fields, merged back after validation. Empty until validated.
	ValidationStatus     ValidationStatus `json:"validation_status,omitempty"`
	ConfidenceAdjustment float64          `json:"confidence_adjustment,omitempty"`
	ResearchSources      []string         `json:"research_sources,omitempty"`
}

// ContentAnalysis is the stage-1 output for one article.
type ContentAnalysis struct {
	Sentiment   string       `json:"sentiment"`
	ImpactScore float64      `json:"impact_score"` // 0..1
	Summary     string       `json:"summary"`
	WeakSignals []WeakSignal `json:"weak_signals,omitempty"`
}

// SignalValidation is the stage-2 output for one qualifying signal.
type SignalValidation struct {
	SignalType           string           `json:"signal_type"`
	ValidationStatus     ValidationStatus `json:"validation_status"`
	ConfidenceAdjustment float64          `json:"confidence_adjustment"`
	ResearchSources      []string         `json:"research_sources,omitempty"`
}

// TokenUsage aggregates token counts across paid calls for one item.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AnalysisResult is the persisted outcome of a successful item analysis.
type AnalysisResult struct {
	ArticleID  string          `json:"article_id"`
	SessionID  string          `json:"session_id,omitempty"`
	Analysis   ContentAnalysis `json:"analysis"`
	Validated  bool            `json:"validated"` // stage 2 ran
	ActualCost float64         `json:"actual_cost"`
	Usage      TokenUsage      `json:"usage"`
	CreatedAt  time.Time       `json:"created_at"`
}
