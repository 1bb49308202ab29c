package types

// ReviewReason explains why an item was flagged for manual review.
type ReviewReason string

const (
	ReviewBudgetExceeded ReviewReason = "budget_exceeded"
	ReviewAgentError     ReviewReason = "agent_error"
	ReviewBadOutput      ReviewReason = "bad_output"
)

// ItemOutcome is the structured result of processing one article.
// It is the unit serialized across the isolated-process boundary, so it
// carries tagged fields rather than Go error values.
type ItemOutcome struct {
	ArticleID            string       `json:"article_id"`
	Success              bool         `json:"success"`
	Error                string       `json:"error,omitempty"`
	RequiresManualReview bool         `json:"requires_manual_review,omitempty"`
	ReviewReason         ReviewReason `json:"review_reason,omitempty"`

	// Populated on success.
	Result *AnalysisResult `json:"result,omitempty"`

	// Cost actually spent on this item, success or not.
	ActualCost float64 `json:"actual_cost"`
}
