package session_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkowalski/foresight/internal/session"
	"github.com/mkowalski/foresight/internal/store"
)

func seedPlan(t *testing.T, st *store.Memory, sessionID string, batches int) {
	t.Helper()

	s := &session.Session{
		ID:           sessionID,
		TotalItems:   batches * 2,
		TotalBatches: batches,
		DailyBudget:  10.0,
		Status:       session.SessionInitiated,
		CreatedAt:    time.Now().UTC(),
	}
	var records []session.Record
	for i := 1; i <= batches; i++ {
		records = append(records, session.Record{
			SessionID:   sessionID,
			BatchNumber: i,
			ItemIDs:     []string{"a", "b"},
			Status:      session.RecordPending,
		})
	}
	if err := st.CreatePlan(context.Background(), s, records); err != nil {
		t.Fatal(err)
	}
}

func TestClaimMovesSessionToProcessing(t *testing.T) {
	st := store.NewMemory()
	m := session.NewMachine(session.MachineConfig{Store: st})
	seedPlan(t, st, "s1", 2)

	claimed, err := m.Claim(context.Background(), "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first claim should win")
	}

	s, err := st.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != session.SessionProcessing {
		t.Errorf("session status = %s, want PROCESSING", s.Status)
	}
	if s.StartedAt == nil {
		t.Error("StartedAt not stamped on first claim")
	}

	rec, err := st.GetRecord(context.Background(), "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != session.RecordProcessing {
		t.Errorf("record status = %s, want PROCESSING", rec.Status)
	}
	if rec.ClaimedAt == nil {
		t.Error("ClaimedAt not stamped")
	}
}

// Two workers racing for the same record: exactly one wins, the loser gets
// false without an error.
func TestClaimRaceHasOneWinner(t *testing.T) {
	st := store.NewMemory()
	m := session.NewMachine(session.MachineConfig{Store: st})
	seedPlan(t, st, "s1", 1)

	const workers = 20
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := m.Claim(context.Background(), "s1", 1)
			if err != nil {
				t.Error(err)
				return
			}
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("%d workers won the claim, want exactly 1", winners)
	}
}

func TestFinishRecordCompletesCleanRun(t *testing.T) {
	st := store.NewMemory()
	m := session.NewMachine(session.MachineConfig{Store: st})
	seedPlan(t, st, "s1", 1)

	if _, err := m.Claim(context.Background(), "s1", 1); err != nil {
		t.Fatal(err)
	}

	rec, _ := st.GetRecord(context.Background(), "s1", 1)
	rec.ItemsProcessed = 2
	rec.ActualCost = 0.14
	if err := m.FinishRecord(context.Background(), rec, ""); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetRecord(context.Background(), "s1", 1)
	if got.Status != session.RecordCompleted {
		t.Errorf("record status = %s, want COMPLETED", got.Status)
	}

	// Sole record terminal: reconcile finalizes the session.
	s, _ := st.GetSession(context.Background(), "s1")
	if s.Status != session.SessionCompleted {
		t.Errorf("session status = %s, want COMPLETED", s.Status)
	}
	if s.ActualCost != 0.14 {
		t.Errorf("session actual cost = %f, want 0.14", s.ActualCost)
	}
	if s.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
}

func TestFinishRecordWithFailuresFailsSession(t *testing.T) {
	st := store.NewMemory()
	m := session.NewMachine(session.MachineConfig{Store: st})
	seedPlan(t, st, "s1", 2)

	for batch := 1; batch <= 2; batch++ {
		if _, err := m.Claim(context.Background(), "s1", batch); err != nil {
			t.Fatal(err)
		}
	}

	rec1, _ := st.GetRecord(context.Background(), "s1", 1)
	rec1.ItemsProcessed = 2
	if err := m.FinishRecord(context.Background(), rec1, ""); err != nil {
		t.Fatal(err)
	}

	// First record done, second still processing: session must not be
	// terminal yet.
	s, _ := st.GetSession(context.Background(), "s1")
	if s.Status.Terminal() {
		t.Fatalf("session finalized early: %s", s.Status)
	}

	rec2, _ := st.GetRecord(context.Background(), "s1", 2)
	rec2.ItemsProcessed = 1
	rec2.ItemsFailed = 1
	if err := m.FinishRecord(context.Background(), rec2, "article b: boom"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetRecord(context.Background(), "s1", 2)
	if got.Status != session.RecordFailed {
		t.Errorf("record 2 status = %s, want FAILED", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "boom") {
		t.Errorf("error message %q lost the cause", got.ErrorMessage)
	}

	s, _ = st.GetSession(context.Background(), "s1")
	if s.Status != session.SessionFailed {
		t.Errorf("session status = %s, want FAILED", s.Status)
	}
}

func TestCancelBlocksFutureClaims(t *testing.T) {
	st := store.NewMemory()
	m := session.NewMachine(session.MachineConfig{Store: st})
	seedPlan(t, st, "s1", 2)

	if err := m.Cancel(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	s, _ := st.GetSession(context.Background(), "s1")
	if s.Status != session.SessionCancelled {
		t.Fatalf("session status = %s, want CANCELLED", s.Status)
	}

	claimed, err := m.Claim(context.Background(), "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("claim against a cancelled session should lose")
	}
}

func TestCancelInFlightRecordFinishes(t *testing.T) {
	st := store.NewMemory()
	m := session.NewMachine(session.MachineConfig{Store: st})
	seedPlan(t, st, "s1", 2)

	if _, err := m.Claim(context.Background(), "s1", 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	// The claimed record still writes its terminal state after the cancel.
	rec, _ := st.GetRecord(context.Background(), "s1", 1)
	rec.ItemsProcessed = 2
	if err := m.FinishRecord(context.Background(), rec, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetRecord(context.Background(), "s1", 1)
	if got.Status != session.RecordCompleted {
		t.Errorf("in-flight record status = %s, want COMPLETED", got.Status)
	}

	// Cancelled is terminal: reconciliation must not overwrite it even
	// though one record never ran.
	s, _ := st.GetSession(context.Background(), "s1")
	if s.Status != session.SessionCancelled {
		t.Errorf("session status = %s, want CANCELLED preserved", s.Status)
	}
}

func TestCancelTerminalSessionErrors(t *testing.T) {
	st := store.NewMemory()
	m := session.NewMachine(session.MachineConfig{Store: st})
	seedPlan(t, st, "s1", 1)

	if _, err := m.Claim(context.Background(), "s1", 1); err != nil {
		t.Fatal(err)
	}
	rec, _ := st.GetRecord(context.Background(), "s1", 1)
	rec.ItemsProcessed = 2
	if err := m.FinishRecord(context.Background(), rec, ""); err != nil {
		t.Fatal(err)
	}

	if err := m.Cancel(context.Background(), "s1"); err == nil {
		t.Error("cancelling a COMPLETED session should error")
	}
}
