package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recorder upserts GenerationProgress rows by task_id. Each pipeline step
// owner calls it on step transitions; the recorder clamps overall progress
// so readers never observe it going backwards before a terminal status.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// RecorderConfig configures a new recorder.
type RecorderConfig struct {
	Store  Store
	Logger *slog.Logger
}

// NewRecorder creates a progress recorder over the given store.
func NewRecorder(cfg RecorderConfig) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: cfg.Store, logger: logger}
}

// Start creates the progress row for a task. A redelivered task whose row is
// still in progress (crashed worker, second dispatcher) is taken over rather
// than reset: the row keeps its reported progress so pollers never see
// overall_progress move backwards on a non-terminal row. A failed run's rerun
// starts fresh.
func (r *Recorder) Start(ctx context.Context, taskID string) error {
	existing, err := r.store.GetProgress(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load progress %s: %w", taskID, err)
	}

	now := time.Now().UTC()
	row := &GenerationProgress{
		TaskID:      taskID,
		CurrentStep: StepSelection,
		Status:      StatusInProgress,
		StartTime:   now,
		UpdatedAt:   now,
	}
	if existing != nil && !existing.Status.Terminal() {
		row = existing
		row.Status = StatusInProgress
		row.UpdatedAt = now
		r.logger.Info("generation taken over", "task_id", taskID, "overall", row.OverallProgress)
	} else {
		r.logger.Info("generation started", "task_id", taskID)
	}

	if err := r.store.UpsertProgress(ctx, row); err != nil {
		return fmt.Errorf("start progress %s: %w", taskID, err)
	}
	return nil
}

// StepUpdate records progress within a step and recomputes the weighted
// overall progress. Quality metrics and intermediate results are merged onto
// the row, not replaced wholesale.
func (r *Recorder) StepUpdate(ctx context.Context, taskID string, step Step, stepProgress float64, quality map[string]any, intermediate map[string]any) error {
	row, err := r.store.GetProgress(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load progress %s: %w", taskID, err)
	}
	if row == nil {
		return fmt.Errorf("progress row not found: %s", taskID)
	}
	if row.Status.Terminal() {
		return fmt.Errorf("progress %s already terminal (%s)", taskID, row.Status)
	}

	overall := overallFor(step, stepProgress)
	if overall < row.OverallProgress {
		// Never report backwards movement to pollers.
		overall = row.OverallProgress
	}

	row.CurrentStep = step
	row.StepProgress = stepProgress
	row.OverallProgress = overall
	row.UpdatedAt = time.Now().UTC()
	row.QualityMetrics = merge(row.QualityMetrics, quality)
	row.Intermediate = merge(row.Intermediate, intermediate)

	if err := r.store.UpsertProgress(ctx, row); err != nil {
		return fmt.Errorf("update progress %s: %w", taskID, err)
	}

	r.logger.Debug("generation progress",
		"task_id", taskID, "step", step, "step_progress", stepProgress, "overall", overall)
	return nil
}

// Complete stamps a successful terminal state.
func (r *Recorder) Complete(ctx context.Context, taskID string) error {
	return r.finish(ctx, taskID, StatusComplete, "")
}

// Fail stamps a failed terminal state with the captured error.
func (r *Recorder) Fail(ctx context.Context, taskID string, errMsg string) error {
	return r.finish(ctx, taskID, StatusFailed, errMsg)
}

func (r *Recorder) finish(ctx context.Context, taskID string, status Status, errMsg string) error {
	row, err := r.store.GetProgress(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load progress %s: %w", taskID, err)
	}
	if row == nil {
		return fmt.Errorf("progress row not found: %s", taskID)
	}

	now := time.Now().UTC()
	row.Status = status
	row.Error = errMsg
	row.EndTime = &now
	row.TotalDuration = now.Sub(row.StartTime).Seconds()
	row.UpdatedAt = now
	if status == StatusComplete {
		row.StepProgress = 1
		row.OverallProgress = 1
		row.CurrentStep = StepStorage
	}

	if err := r.store.UpsertProgress(ctx, row); err != nil {
		return fmt.Errorf("finish progress %s: %w", taskID, err)
	}

	r.logger.Info("generation finished", "task_id", taskID, "status", status, "duration_s", row.TotalDuration)
	return nil
}

func merge(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
