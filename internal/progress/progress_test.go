package progress

import (
	"context"
	"testing"
)

type fakeStore struct {
	rows map[string]*GenerationProgress
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*GenerationProgress)}
}

func (f *fakeStore) UpsertProgress(_ context.Context, row *GenerationProgress) error {
	cp := *row
	f.rows[row.TaskID] = &cp
	return nil
}

func (f *fakeStore) GetProgress(_ context.Context, taskID string) (*GenerationProgress, error) {
	row, ok := f.rows[taskID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func TestOverallForWeights(t *testing.T) {
	cases := []struct {
		step Step
		p    float64
		want float64
	}{
		{StepSelection, 0, 0},
		{StepSelection, 1, 0.20},
		{StepSynthesis, 0.5, 0.35},
		{StepWriting, 0.25, 0.60},
		{StepStorage, 1, 1.0},
		// Out-of-range step progress is clamped.
		{StepSelection, -0.5, 0},
		{StepStorage, 2.0, 1.0},
	}
	for _, c := range cases {
		got := overallFor(c.step, c.p)
		if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("overallFor(%s, %f) = %f, want %f", c.step, c.p, got, c.want)
		}
	}
}

func TestRecorderLifecycle(t *testing.T) {
	st := newFakeStore()
	r := NewRecorder(RecorderConfig{Store: st})
	ctx := context.Background()

	if err := r.Start(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	row, _ := st.GetProgress(ctx, "t1")
	if row.Status != StatusInProgress || row.CurrentStep != StepSelection {
		t.Fatalf("fresh row = %+v", row)
	}

	if err := r.StepUpdate(ctx, "t1", StepSynthesis, 0.5,
		map[string]any{"theme_count": 3}, nil); err != nil {
		t.Fatal(err)
	}
	row, _ = st.GetProgress(ctx, "t1")
	if diff := row.OverallProgress - 0.35; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("OverallProgress = %f, want 0.35", row.OverallProgress)
	}
	if row.QualityMetrics["theme_count"] != 3 {
		t.Errorf("quality metrics lost: %+v", row.QualityMetrics)
	}

	if err := r.Complete(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	row, _ = st.GetProgress(ctx, "t1")
	if row.Status != StatusComplete || row.OverallProgress != 1 {
		t.Errorf("terminal row = %+v", row)
	}
	if row.EndTime == nil || row.TotalDuration < 0 {
		t.Error("terminal stamp missing end time or duration")
	}
}

// A later update reporting an earlier step must not move overall progress
// backwards.
func TestOverallProgressNonDecreasing(t *testing.T) {
	st := newFakeStore()
	r := NewRecorder(RecorderConfig{Store: st})
	ctx := context.Background()

	if err := r.Start(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := r.StepUpdate(ctx, "t1", StepWriting, 0.5, nil, nil); err != nil {
		t.Fatal(err)
	}
	row, _ := st.GetProgress(ctx, "t1")
	high := row.OverallProgress

	if err := r.StepUpdate(ctx, "t1", StepSelection, 0.1, nil, nil); err != nil {
		t.Fatal(err)
	}
	row, _ = st.GetProgress(ctx, "t1")
	if row.OverallProgress < high {
		t.Errorf("overall progress went backwards: %f -> %f", high, row.OverallProgress)
	}
	if row.CurrentStep != StepSelection {
		t.Errorf("current step should still report the writer's view, got %s", row.CurrentStep)
	}
}

// A redelivered task whose row is still in progress must not reset the row:
// pollers would see overall_progress fall back to zero on a non-terminal row.
func TestStartTakesOverInterruptedRun(t *testing.T) {
	st := newFakeStore()
	r := NewRecorder(RecorderConfig{Store: st})
	ctx := context.Background()

	if err := r.Start(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := r.StepUpdate(ctx, "t1", StepWriting, 0.5, nil, nil); err != nil {
		t.Fatal(err)
	}
	row, _ := st.GetProgress(ctx, "t1")
	high := row.OverallProgress

	// Second delivery of the same task.
	if err := r.Start(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	row, _ = st.GetProgress(ctx, "t1")
	if row.Status != StatusInProgress {
		t.Fatalf("taken-over row status = %s", row.Status)
	}
	if row.OverallProgress != high {
		t.Errorf("takeover reset progress: %f -> %f", high, row.OverallProgress)
	}

	// The rerun's own early steps stay clamped at the prior high-water mark.
	if err := r.StepUpdate(ctx, "t1", StepSelection, 1, nil, nil); err != nil {
		t.Fatal(err)
	}
	row, _ = st.GetProgress(ctx, "t1")
	if row.OverallProgress < high {
		t.Errorf("rerun regressed progress: %f -> %f", high, row.OverallProgress)
	}
}

// A failed run's rerun starts from scratch.
func TestStartResetsAfterFailure(t *testing.T) {
	st := newFakeStore()
	r := NewRecorder(RecorderConfig{Store: st})
	ctx := context.Background()

	if err := r.Start(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := r.StepUpdate(ctx, "t1", StepWriting, 0.5, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Fail(ctx, "t1", "writer exploded"); err != nil {
		t.Fatal(err)
	}

	if err := r.Start(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	row, _ := st.GetProgress(ctx, "t1")
	if row.Status != StatusInProgress || row.OverallProgress != 0 {
		t.Errorf("rerun after failure did not reset: %+v", row)
	}
	if row.Error != "" {
		t.Errorf("stale error survived the reset: %q", row.Error)
	}
}

func TestStepUpdateAfterTerminalErrors(t *testing.T) {
	st := newFakeStore()
	r := NewRecorder(RecorderConfig{Store: st})
	ctx := context.Background()

	if err := r.Start(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Fail(ctx, "t1", "writer exploded"); err != nil {
		t.Fatal(err)
	}

	if err := r.StepUpdate(ctx, "t1", StepWriting, 0.9, nil, nil); err == nil {
		t.Error("updates after a terminal status must error")
	}

	row, _ := st.GetProgress(ctx, "t1")
	if row.Status != StatusFailed || row.Error != "writer exploded" {
		t.Errorf("failed row = %+v", row)
	}
}

func TestStepUpdateUnknownTask(t *testing.T) {
	r := NewRecorder(RecorderConfig{Store: newFakeStore()})
	if err := r.StepUpdate(context.Background(), "ghost", StepWriting, 0.5, nil, nil); err == nil {
		t.Error("updating a task that never started must error")
	}
}
