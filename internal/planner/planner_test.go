package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalski/foresight/internal/planner"
	"github.com/mkowalski/foresight/internal/session"
	"github.com/mkowalski/foresight/internal/store"
)

func itemIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	return ids
}

func TestPlanPartitionsContiguousBatches(t *testing.T) {
	st := store.NewMemory()
	p := planner.New(planner.Config{Store: st})

	ids := itemIDs(10)
	s, err := p.Plan(context.Background(), ids, 4, 25.0, func(string) float64 { return 0.07 })
	require.NoError(t, err)

	assert.Equal(t, 10, s.TotalItems)
	assert.Equal(t, 3, s.TotalBatches)
	assert.Equal(t, session.SessionInitiated, s.Status)
	assert.Equal(t, 25.0, s.DailyBudget)
	assert.InDelta(t, 0.70, s.EstimatedCost, 1e-9)

	records, err := st.ListRecords(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, []string{"a", "b", "c", "d"}, records[0].ItemIDs)
	assert.Equal(t, []string{"e", "f", "g", "h"}, records[1].ItemIDs)
	assert.Equal(t, []string{"i", "j"}, records[2].ItemIDs)

	for i, rec := range records {
		assert.Equal(t, i+1, rec.BatchNumber)
		assert.Equal(t, session.RecordPending, rec.Status)
		assert.Equal(t, s.ID, rec.SessionID)
	}
	assert.InDelta(t, 0.28, records[0].EstimatedCost, 1e-9)
	assert.InDelta(t, 0.14, records[2].EstimatedCost, 1e-9)
}

func TestPlanExactMultiple(t *testing.T) {
	st := store.NewMemory()
	p := planner.New(planner.Config{Store: st})

	s, err := p.Plan(context.Background(), itemIDs(8), 4, 10.0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalBatches)
}

func TestPlanSingleItemBatches(t *testing.T) {
	st := store.NewMemory()
	p := planner.New(planner.Config{Store: st})

	s, err := p.Plan(context.Background(), itemIDs(3), 1, 10.0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalBatches)
}

func TestPlanEmptyCohort(t *testing.T) {
	p := planner.New(planner.Config{Store: store.NewMemory()})

	_, err := p.Plan(context.Background(), nil, 4, 10.0, nil)
	assert.ErrorIs(t, err, planner.ErrEmptyCohort)
}

func TestPlanInvalidBatchSize(t *testing.T) {
	p := planner.New(planner.Config{Store: store.NewMemory()})

	_, err := p.Plan(context.Background(), itemIDs(3), 0, 10.0, nil)
	assert.ErrorIs(t, err, planner.ErrInvalidBatchSize)

	_, err = p.Plan(context.Background(), itemIDs(3), -2, 10.0, nil)
	assert.ErrorIs(t, err, planner.ErrInvalidBatchSize)
}

func TestPlanNothingPersistedOnFailure(t *testing.T) {
	st := store.NewMemory()
	p := planner.New(planner.Config{Store: st})

	_, err := p.Plan(context.Background(), nil, 4, 10.0, nil)
	require.Error(t, err)

	sessions, err := st.ListSessions(context.Background(), store.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
