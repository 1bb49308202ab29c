package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkowalski/foresight/internal/planner"
	"github.com/mkowalski/foresight/internal/session"
	"github.com/mkowalski/foresight/internal/store"
	"github.com/mkowalski/foresight/internal/types"
)

// stubRunner returns canned outcomes per article id.
type stubRunner struct {
	outcomes map[string]*types.ItemOutcome
	err      error
	calls    []string
}

func (s *stubRunner) Run(_ context.Context, _ string, articleID string) (*types.ItemOutcome, error) {
	s.calls = append(s.calls, articleID)
	if s.err != nil {
		return nil, s.err
	}
	if out, ok := s.outcomes[articleID]; ok {
		return out, nil
	}
	return &types.ItemOutcome{ArticleID: articleID, Success: true, ActualCost: 0.01}, nil
}

func plan(t *testing.T, st *store.Memory, items []string, batchSize int) *session.Session {
	t.Helper()
	p := planner.New(planner.Config{Store: st})
	s, err := p.Plan(context.Background(), items, batchSize, 10.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newDispatcher(st *store.Memory, r *stubRunner) *Dispatcher {
	return New(Config{
		Store:   st,
		Machine: session.NewMachine(session.MachineConfig{Store: st}),
		Runner:  r,
		Workers: 1,
	})
}

func TestHandleRecordTaskProcessesAllItems(t *testing.T) {
	st := store.NewMemory()
	s := plan(t, st, []string{"a", "b", "c"}, 3)
	r := &stubRunner{}
	d := newDispatcher(st, r)

	if err := d.HandleRecordTask(context.Background(), s.ID, 1); err != nil {
		t.Fatal(err)
	}

	if len(r.calls) != 3 {
		t.Fatalf("runner ran %d items, want 3", len(r.calls))
	}
	rec, err := st.GetRecord(context.Background(), s.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != session.RecordCompleted {
		t.Errorf("record status = %s, want COMPLETED", rec.Status)
	}
	if rec.ItemsProcessed != 3 || rec.ItemsFailed != 0 {
		t.Errorf("counters = %d/%d, want 3/0", rec.ItemsProcessed, rec.ItemsFailed)
	}
	if diff := rec.ActualCost - 0.03; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("record cost = %f, want 0.03", rec.ActualCost)
	}

	got, _ := st.GetSession(context.Background(), s.ID)
	if got.Status != session.SessionCompleted {
		t.Errorf("session status = %s, want COMPLETED", got.Status)
	}
}

// One failed item fails the record but never stops its siblings.
func TestHandleRecordTaskIsolatesFailedItem(t *testing.T) {
	st := store.NewMemory()
	s := plan(t, st, []string{"a", "bad", "c"}, 3)
	r := &stubRunner{outcomes: map[string]*types.ItemOutcome{
		"bad": {
			ArticleID:            "bad",
			RequiresManualReview: true,
			ReviewReason:         types.ReviewAgentError,
			Error:                "analysis exploded",
		},
	}}
	d := newDispatcher(st, r)

	if err := d.HandleRecordTask(context.Background(), s.ID, 1); err != nil {
		t.Fatal(err)
	}

	if len(r.calls) != 3 {
		t.Fatalf("runner ran %d items, want all 3", len(r.calls))
	}
	rec, _ := st.GetRecord(context.Background(), s.ID, 1)
	if rec.Status != session.RecordFailed {
		t.Errorf("record status = %s, want FAILED", rec.Status)
	}
	if rec.ItemsProcessed != 2 || rec.ItemsFailed != 1 {
		t.Errorf("counters = %d/%d, want 2/1", rec.ItemsProcessed, rec.ItemsFailed)
	}

	flags, _ := st.ListReviewFlags(context.Background(), s.ID)
	if len(flags) != 1 || flags[0].ArticleID != "bad" {
		t.Errorf("review flags = %+v", flags)
	}

	got, _ := st.GetSession(context.Background(), s.ID)
	if got.Status != session.SessionFailed {
		t.Errorf("session status = %s, want FAILED", got.Status)
	}
}

// Redelivery of a record task is absorbed by the claim.
func TestHandleRecordTaskRedeliveryNoOp(t *testing.T) {
	st := store.NewMemory()
	s := plan(t, st, []string{"a", "b"}, 2)
	r := &stubRunner{}
	d := newDispatcher(st, r)

	if err := d.HandleRecordTask(context.Background(), s.ID, 1); err != nil {
		t.Fatal(err)
	}
	first := len(r.calls)

	if err := d.HandleRecordTask(context.Background(), s.ID, 1); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != first {
		t.Errorf("redelivery re-ran items: %d -> %d calls", first, len(r.calls))
	}
}

func TestHandleRecordTaskRunnerInfraError(t *testing.T) {
	st := store.NewMemory()
	s := plan(t, st, []string{"a"}, 1)
	r := &stubRunner{err: errors.New("docker daemon gone")}
	d := newDispatcher(st, r)

	if err := d.HandleRecordTask(context.Background(), s.ID, 1); err != nil {
		t.Fatal(err)
	}

	rec, _ := st.GetRecord(context.Background(), s.ID, 1)
	if rec.Status != session.RecordFailed {
		t.Errorf("record status = %s, want FAILED", rec.Status)
	}
	if rec.ErrorMessage == "" {
		t.Error("infra error lost from record error message")
	}
}

type stubGenerator struct {
	calls []string
	err   error
}

func (g *stubGenerator) Generate(_ context.Context, taskID string) error {
	g.calls = append(g.calls, taskID)
	return g.err
}

func TestHandleGenerationTask(t *testing.T) {
	st := store.NewMemory()
	g := &stubGenerator{}
	d := New(Config{
		Store:     st,
		Machine:   session.NewMachine(session.MachineConfig{Store: st}),
		Runner:    &stubRunner{},
		Generator: g,
	})

	if err := d.HandleGenerationTask(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if len(g.calls) != 1 || g.calls[0] != "t1" {
		t.Errorf("generator calls = %v", g.calls)
	}
}

func TestHandleGenerationTaskWithoutGenerator(t *testing.T) {
	st := store.NewMemory()
	d := New(Config{
		Store:   st,
		Machine: session.NewMachine(session.MachineConfig{Store: st}),
		Runner:  &stubRunner{},
	})
	if err := d.HandleGenerationTask(context.Background(), "t1"); err == nil {
		t.Error("generation without a generator must error")
	}
}

func TestPriorityQueueOrdering(t *testing.T) {
	pq := NewPriorityQueue()

	mustPush := func(task *Task) {
		t.Helper()
		if err := pq.Push(task); err != nil {
			t.Fatal(err)
		}
	}
	mustPush(&Task{Kind: TaskRecord, Priority: PriorityNormal, SessionID: "s1", BatchNumber: 1})
	mustPush(&Task{Kind: TaskRecord, Priority: PriorityNormal, SessionID: "s1", BatchNumber: 2})
	mustPush(&Task{Kind: TaskGeneration, Priority: PriorityHigh, TaskID: "gen"})

	done := make(chan struct{})
	if got := pq.Pop(done); got.Kind != TaskGeneration {
		t.Errorf("first pop = %+v, want the generation task", got)
	}
	// Equal priority drains FIFO.
	if got := pq.Pop(done); got.BatchNumber != 1 {
		t.Errorf("second pop batch = %d, want 1", got.BatchNumber)
	}
	if got := pq.Pop(done); got.BatchNumber != 2 {
		t.Errorf("third pop batch = %d, want 2", got.BatchNumber)
	}
}

func TestPriorityQueuePopUnblocksOnDone(t *testing.T) {
	pq := NewPriorityQueue()
	done := make(chan struct{})

	got := make(chan *Task, 1)
	go func() { got <- pq.Pop(done) }()

	close(done)
	select {
	case task := <-got:
		if task != nil {
			t.Errorf("Pop on closed done = %+v, want nil", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not unblock when done closed")
	}
}

func TestPriorityQueueRejectsNil(t *testing.T) {
	pq := NewPriorityQueue()
	if err := pq.Push(nil); !errors.Is(err, ErrNilTask) {
		t.Errorf("Push(nil) = %v, want ErrNilTask", err)
	}
}

func TestSubmitGenerationDeduplicates(t *testing.T) {
	st := store.NewMemory()
	d := New(Config{
		Store:   st,
		Machine: session.NewMachine(session.MachineConfig{Store: st}),
		Runner:  &stubRunner{},
	})

	if err := d.SubmitGeneration("t1"); err != nil {
		t.Fatal(err)
	}
	if err := d.SubmitGeneration("t1"); err != nil {
		t.Fatal(err)
	}
	if got := d.QueueDepth(); got != 1 {
		t.Errorf("queue depth = %d after duplicate submit, want 1", got)
	}
}
