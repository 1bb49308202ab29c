package types

import "time"

// NewsletterIssue is the stored output of one generation task.
type NewsletterIssue struct {
	TaskID      string    `json:"task_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"` // markdown
	ThemeCount  int       `json:"theme_count"`
	SignalCount int       `json:"signal_count"`
	CostUSD     float64   `json:"cost_usd"`
	GeneratedAt time.Time `json:"generated_at"`
}
