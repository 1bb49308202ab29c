package metrics

import "context"

// Summary aggregates cost and usage over a set of metrics.
type Summary struct {
	Count          int     `json:"count"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	TotalTokens    int     `json:"total_tokens"`
	SuccessCount   int     `json:"success_count"`
	ErrorCount     int     `json:"error_count"`
	AvgCostUSD     float64 `json:"avg_cost_usd"`
	AvgTimeSeconds float64 `json:"avg_time_seconds"`

	// Cost split by pipeline stage.
	CostByStage map[string]float64 `json:"cost_by_stage,omitempty"`
}

// Summarize computes a summary of metrics matching the filter.
func Summarize(ctx context.Context, store Store, f Filter) (*Summary, error) {
	rows, err := store.ListMetrics(ctx, f)
	if err != nil {
		return nil, err
	}

	s := &Summary{Count: len(rows), CostByStage: make(map[string]float64)}
	var totalSeconds float64
	for i := range rows {
		m := &rows[i]
		s.TotalCostUSD += m.CostUSD
		s.TotalTokens += m.TotalTokens
		totalSeconds += m.ExecutionSeconds
		s.CostByStage[m.Stage] += m.CostUSD
		if m.Success {
			s.SuccessCount++
		} else {
			s.ErrorCount++
		}
	}

	if s.Count > 0 {
		s.AvgCostUSD = s.TotalCostUSD / float64(s.Count)
		s.AvgTimeSeconds = totalSeconds / float64(s.Count)
	}
	return s, nil
}
