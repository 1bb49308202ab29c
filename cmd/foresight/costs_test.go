package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/store"
)

func TestCostsReport(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	seed := []metrics.Metric{
		{SessionID: "s1", Stage: metrics.StageAnalysis, ItemKey: "a1", CostUSD: 0.02, TotalTokens: 100, Success: true},
		{SessionID: "s1", Stage: metrics.StageValidation, ItemKey: "a1", CostUSD: 0.05, TotalTokens: 400, Success: true},
		{SessionID: "s2", Stage: metrics.StageAnalysis, ItemKey: "b1", CostUSD: 0.02, Success: false, ErrorType: "invocation_error"},
	}
	for i := range seed {
		require.NoError(t, st.InsertMetric(ctx, &seed[i]))
	}

	out := costsReport(ctx, st, metrics.Filter{SessionID: "s1"}, false)
	require.Empty(t, out.Error)
	require.NotNil(t, out.Summary)
	assert.Equal(t, 2, out.Summary.Count)
	assert.InDelta(t, 0.07, out.Summary.TotalCostUSD, 1e-9)
	assert.Equal(t, 500, out.Summary.TotalTokens)
	assert.InDelta(t, 0.02, out.Summary.CostByStage[metrics.StageAnalysis], 1e-9)
	assert.Empty(t, out.Rows, "rows only ship with --detail")

	out = costsReport(ctx, st, metrics.Filter{SessionID: "s1"}, true)
	require.Empty(t, out.Error)
	require.Len(t, out.Rows, 2)
	for _, row := range out.Rows {
		assert.NotEmpty(t, row.ID, "every persisted metric row carries an id")
	}

	out = costsReport(ctx, st, metrics.Filter{Stage: metrics.StageAnalysis}, false)
	require.Empty(t, out.Error)
	assert.Equal(t, 2, out.Summary.Count)
	assert.Equal(t, 1, out.Summary.ErrorCount)
}
