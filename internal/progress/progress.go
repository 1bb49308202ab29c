// Package progress tracks step-by-step progress for long-running generation
// jobs. The recorder mirrors the pipeline; it never drives it.
package progress

import (
	"context"
	"time"
)

// Step identifies one stage of a generation job.
type Step string

const (
	StepSelection Step = "selection"
	StepSynthesis Step = "synthesis"
	StepWriting   Step = "writing"
	StepStorage   Step = "storage"
)

// stepOrder fixes the pipeline sequence and the weight each step contributes
// to overall progress. Weights sum to 1.
var stepOrder = []struct {
	step   Step
	weight float64
}{
	{StepSelection, 0.20},
	{StepSynthesis, 0.30},
	{StepWriting, 0.40},
	{StepStorage, 0.10},
}

// Status is the lifecycle state of a generation job.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the job has finished.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// GenerationProgress is the persisted progress row for one task. Readers
// poll it to report progress; OverallProgress is non-decreasing until the
// status turns terminal.
type GenerationProgress struct {
	TaskID          string         `json:"task_id"`
	CurrentStep     Step           `json:"current_step"`
	StepProgress    float64        `json:"step_progress"`    // 0..1 within the step
	OverallProgress float64        `json:"overall_progress"` // 0..1 across the job
	QualityMetrics  map[string]any `json:"quality_metrics,omitempty"`
	Intermediate    map[string]any `json:"intermediate_results,omitempty"`
	Status          Status         `json:"status"`
	Error           string         `json:"error,omitempty"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	TotalDuration   float64        `json:"total_duration_seconds,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Store persists progress rows keyed by task identity.
type Store interface {
	// UpsertProgress inserts or replaces the row for row.TaskID.
	UpsertProgress(ctx context.Context, row *GenerationProgress) error
	GetProgress(ctx context.Context, taskID string) (*GenerationProgress, error)
}

// overallFor computes weighted overall progress: full weight for every step
// before current, partial weight for the current step.
func overallFor(current Step, stepProgress float64) float64 {
	if stepProgress < 0 {
		stepProgress = 0
	}
	if stepProgress > 1 {
		stepProgress = 1
	}

	var overall float64
	for _, st := range stepOrder {
		if st.step == current {
			overall += st.weight * stepProgress
			break
		}
		overall += st.weight
	}
	return overall
}
