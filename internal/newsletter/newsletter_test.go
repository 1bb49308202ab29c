package newsletter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalski/foresight/internal/budget"
	"github.com/mkowalski/foresight/internal/progress"
	"github.com/mkowalski/foresight/internal/store"
	"github.com/mkowalski/foresight/internal/types"
)

func result(articleID string, createdAt time.Time, signals ...types.WeakSignal) *types.ItemOutcome {
	return &types.ItemOutcome{
		ArticleID: articleID,
		Success:   true,
		Result: &types.AnalysisResult{
			ArticleID: articleID,
			Validated: true,
			Analysis:  types.ContentAnalysis{WeakSignals: signals},
			CreatedAt: createdAt,
		},
	}
}

func signal(sigType string, confidence, adjustment float64, status types.ValidationStatus) types.WeakSignal {
	return types.WeakSignal{
		SignalType:           sigType,
		Description:          "something is shifting in " + sigType,
		Confidence:           confidence,
		ConfidenceAdjustment: adjustment,
		ValidationStatus:     status,
	}
}

func TestSynthesizeGroupsAndRanks(t *testing.T) {
	now := time.Now().UTC()
	results := []types.AnalysisResult{
		*result("a1", now,
			signal("regulatory_shift", 0.5, 0.1, types.ValidationValidated),
			signal("supply_chain", 0.9, 0.0, types.ValidationValidated),
		).Result,
		*result("a2", now,
			signal("regulatory_shift", 0.7, 0.1, types.ValidationValidated),
			signal("market_noise", 0.8, -0.2, types.ValidationContradicted),
		).Result,
	}

	themes := synthesize(results)
	require.Len(t, themes, 2, "contradicted signals form no theme")

	assert.Equal(t, "supply_chain", themes[0].SignalType, "strongest theme first")
	assert.InDelta(t, 0.9, themes[0].Confidence, 1e-9)

	assert.Equal(t, "regulatory_shift", themes[1].SignalType)
	assert.Len(t, themes[1].Signals, 2)
	assert.InDelta(t, 0.7, themes[1].Confidence, 1e-9) // mean of 0.6 and 0.8
	assert.Equal(t, []string{"a1", "a2"}, themes[1].ArticleIDs)
}

func TestAdjustedConfidenceClamps(t *testing.T) {
	assert.Equal(t, 1.0, adjustedConfidence(types.WeakSignal{Confidence: 0.9, ConfidenceAdjustment: 0.5}))
	assert.Equal(t, 0.0, adjustedConfidence(types.WeakSignal{Confidence: 0.1, ConfidenceAdjustment: -0.5}))
}

func TestRenderIssue(t *testing.T) {
	themes := []Theme{{
		SignalType: "regulatory_shift",
		Confidence: 0.72,
		Signals: []types.WeakSignal{{
			Description:  "new filings hint at stricter disclosure rules",
			Timeframe:    "6-12 months",
			Implications: "compliance costs rise for small issuers",
		}},
	}}

	body := renderIssue(themes)
	assert.Contains(t, body, "# Weak Signals Briefing: Regulatory Shift")
	assert.Contains(t, body, "## Regulatory Shift (confidence 0.72)")
	assert.Contains(t, body, "- new filings hint at stricter disclosure rules (6-12 months)")
	assert.Contains(t, body, "compliance costs rise for small issuers")
}

// countingStore tracks SaveIssue calls to prove redelivered tasks do no work.
type countingStore struct {
	*store.Memory
	saves int
}

func (c *countingStore) SaveIssue(ctx context.Context, issue *types.NewsletterIssue) error {
	c.saves++
	return c.Memory.SaveIssue(ctx, issue)
}

func newGenerator(st Store, recorder *progress.Recorder, opts ...func(*Config)) *Generator {
	cfg := Config{Store: st, Progress: recorder}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func seed(t *testing.T, m *store.Memory, outcomes ...*types.ItemOutcome) {
	t.Helper()
	for _, out := range outcomes {
		require.NoError(t, m.SaveItemOutcome(context.Background(), "s1", out))
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now().UTC()
	seed(t, mem,
		result("a1", now, signal("supply_chain", 0.8, 0.1, types.ValidationValidated)),
		result("a2", now, signal("regulatory_shift", 0.5, 0.0, types.ValidationValidated)),
	)
	recorder := progress.NewRecorder(progress.RecorderConfig{Store: mem})

	g := newGenerator(mem, recorder)
	require.NoError(t, g.Generate(context.Background(), "t1"))

	issue, err := mem.GetIssue(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, issue.ThemeCount)
	assert.Equal(t, 2, issue.SignalCount)
	assert.Zero(t, issue.CostUSD, "template rendering costs nothing")
	assert.True(t, strings.HasPrefix(issue.Body, "# Weak Signals Briefing"))

	row, err := mem.GetProgress(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusComplete, row.Status)
	assert.Equal(t, 1.0, row.OverallProgress)
}

func TestGenerateRedeliveryNoOp(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, result("a1", time.Now().UTC(),
		signal("supply_chain", 0.8, 0, types.ValidationValidated)))
	cs := &countingStore{Memory: mem}
	recorder := progress.NewRecorder(progress.RecorderConfig{Store: mem})

	g := newGenerator(cs, recorder)
	require.NoError(t, g.Generate(context.Background(), "t1"))
	require.NoError(t, g.Generate(context.Background(), "t1"))

	assert.Equal(t, 1, cs.saves, "completed task redelivery must not regenerate")
}

// watchfulStore records every overall_progress value written while the row is
// non-terminal, the way a poller would observe them.
type watchfulStore struct {
	*store.Memory
	observed []float64
}

func (w *watchfulStore) UpsertProgress(ctx context.Context, row *progress.GenerationProgress) error {
	if !row.Status.Terminal() {
		w.observed = append(w.observed, row.OverallProgress)
	}
	return w.Memory.UpsertProgress(ctx, row)
}

// A task redelivered while its row is still in progress (crashed worker,
// second dispatcher) must never report overall progress going backwards.
func TestGenerateRedeliveryInProgressKeepsProgressMonotonic(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, result("a1", time.Now().UTC(),
		signal("supply_chain", 0.8, 0, types.ValidationValidated)))

	ws := &watchfulStore{Memory: mem}
	recorder := progress.NewRecorder(progress.RecorderConfig{Store: ws})

	// First delivery dies mid-run: the row is left in progress at the
	// writing step.
	require.NoError(t, recorder.Start(context.Background(), "t1"))
	require.NoError(t, recorder.StepUpdate(context.Background(), "t1", progress.StepWriting, 0.5, nil, nil))
	row, err := mem.GetProgress(context.Background(), "t1")
	require.NoError(t, err)
	high := row.OverallProgress
	require.Greater(t, high, 0.0)

	g := newGenerator(mem, recorder)
	require.NoError(t, g.Generate(context.Background(), "t1"))

	floor := 0.0
	for _, p := range ws.observed {
		require.GreaterOrEqual(t, p, floor, "observed overall_progress sequence %v", ws.observed)
		floor = p
	}
	require.GreaterOrEqual(t, floor, high, "redelivery dropped below the first run's progress")

	row, err = mem.GetProgress(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusComplete, row.Status)
}

func TestGenerateNoResultsFailsProgress(t *testing.T) {
	mem := store.NewMemory()
	recorder := progress.NewRecorder(progress.RecorderConfig{Store: mem})

	g := newGenerator(mem, recorder)
	err := g.Generate(context.Background(), "t1")
	require.Error(t, err)

	row, getErr := mem.GetProgress(context.Background(), "t1")
	require.NoError(t, getErr)
	assert.Equal(t, progress.StatusFailed, row.Status)
	assert.NotEmpty(t, row.Error)
}

type stubWriter struct {
	text  string
	cost  float64
	err   error
	calls int
}

func (w *stubWriter) Draft(context.Context, string) (string, float64, error) {
	w.calls++
	return w.text, w.cost, w.err
}

func TestGenerateUsesWriter(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, result("a1", time.Now().UTC(),
		signal("supply_chain", 0.8, 0, types.ValidationValidated)))
	recorder := progress.NewRecorder(progress.RecorderConfig{Store: mem})
	w := &stubWriter{text: "Drafted prose.", cost: 0.07}
	tracker := budget.NewMemoryTracker(5.0)

	g := newGenerator(mem, recorder, func(c *Config) {
		c.Writer = w
		c.Tracker = tracker
		c.WriterEstimateUSD = 0.10
	})
	require.NoError(t, g.Generate(context.Background(), "t1"))

	issue, err := mem.GetIssue(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Drafted prose.", issue.Body)
	assert.InDelta(t, 0.07, issue.CostUSD, 1e-9)
	assert.Equal(t, 1, w.calls)
	assert.InDelta(t, 0.07, tracker.Accumulated(), 1e-9, "reservation reconciled to actual")
}

func TestGenerateWriterBudgetDeniedFallsBack(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, result("a1", time.Now().UTC(),
		signal("supply_chain", 0.8, 0, types.ValidationValidated)))
	recorder := progress.NewRecorder(progress.RecorderConfig{Store: mem})
	w := &stubWriter{text: "should not be used"}

	g := newGenerator(mem, recorder, func(c *Config) {
		c.Writer = w
		c.Tracker = budget.NewMemoryTracker(0.01) // below the estimate
		c.WriterEstimateUSD = 0.10
	})
	require.NoError(t, g.Generate(context.Background(), "t1"))

	issue, err := mem.GetIssue(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.calls, "denied budget must skip the writer")
	assert.True(t, strings.HasPrefix(issue.Body, "# Weak Signals Briefing"))
}

func TestGenerateWriterErrorFallsBack(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, result("a1", time.Now().UTC(),
		signal("supply_chain", 0.8, 0, types.ValidationValidated)))
	recorder := progress.NewRecorder(progress.RecorderConfig{Store: mem})
	w := &stubWriter{err: errors.New("model unavailable")}

	g := newGenerator(mem, recorder, func(c *Config) { c.Writer = w })
	require.NoError(t, g.Generate(context.Background(), "t1"),
		"a broken writer degrades to the template, it does not fail the issue")

	issue, err := mem.GetIssue(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issue.Body, "# Weak Signals Briefing"))
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "Supply Chain", humanize("supply_chain"))
	assert.Equal(t, "Ai", humanize("ai"))
}
