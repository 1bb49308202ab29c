// Package dispatch polls for claimable records and feeds them to a worker
// pool. Claims go through the session state machine, so any number of
// dispatcher processes can run against the same database without handing
// the same record to two workers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mkowalski/foresight/internal/runner"
	"github.com/mkowalski/foresight/internal/session"
	"github.com/mkowalski/foresight/internal/store"
)

// Generator runs a newsletter generation task to completion.
type Generator interface {
	Generate(ctx context.Context, taskID string) error
}

// Config configures a dispatcher.
type Config struct {
	Store     store.Store
	Machine   *session.Machine
	Runner    runner.Runner
	Generator Generator // optional; generation tasks error without one
	Logger    *slog.Logger

	// Workers is the size of the processing pool (default 4).
	Workers int
	// PollInterval is how often pending records are scanned (default 5s).
	PollInterval time.Duration
	// PollBatch caps records fetched per scan (default 2x workers).
	PollBatch int
}

// Dispatcher owns the poll loop, the task queue, and the worker pool.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	queue  *PriorityQueue

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = cfg.Workers * 2
	}

	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		queue:    NewPriorityQueue(),
		inflight: make(map[string]struct{}),
	}
}

// Run starts the poll loop and worker pool and blocks until ctx is
// cancelled and all workers have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "poll_interval", d.cfg.PollInterval)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.pollLoop(ctx)
	}()

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			d.workerLoop(ctx, workerNum)
		}(i)
	}

	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// SubmitGeneration enqueues a newsletter generation task. Generation jumps
// the analysis backlog so a scheduled send is never stuck behind batches.
func (d *Dispatcher) SubmitGeneration(taskID string) error {
	task := &Task{Kind: TaskGeneration, Priority: PriorityHigh, TaskID: taskID}
	if !d.markInflight(task.key()) {
		return nil // already queued or running
	}
	return d.queue.Push(task)
}

// QueueDepth returns the number of queued tasks.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Len()
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	records, err := d.cfg.Store.NextPendingRecords(ctx, d.cfg.PollBatch)
	if err != nil {
		d.logger.Error("poll pending records", "error", err)
		return
	}

	enqueued := 0
	for i := range records {
		task := &Task{
			Kind:        TaskRecord,
			Priority:    PriorityNormal,
			SessionID:   records[i].SessionID,
			BatchNumber: records[i].BatchNumber,
		}
		if !d.markInflight(task.key()) {
			continue
		}
		if err := d.queue.Push(task); err != nil {
			d.clearInflight(task.key())
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		d.logger.Debug("enqueued records", "count", enqueued, "queue_depth", d.queue.Len())
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerNum int) {
	logger := d.logger.With("worker_num", workerNum)
	logger.Debug("worker started")

	for {
		task := d.queue.Pop(ctx.Done())
		if task == nil {
			logger.Debug("worker stopping")
			return
		}

		var err error
		switch task.Kind {
		case TaskRecord:
			err = d.HandleRecordTask(ctx, task.SessionID, task.BatchNumber)
		case TaskGeneration:
			err = d.HandleGenerationTask(ctx, task.TaskID)
		default:
			err = fmt.Errorf("unknown task kind %q", task.Kind)
		}
		if err != nil {
			logger.Error("task failed", "kind", task.Kind, "error", err)
		}
		d.clearInflight(task.key())
	}
}

// HandleRecordTask claims and processes one record. Losing the claim is
// normal — either another dispatcher took it or the queue redelivered a
// record that already ran — and is not an error. Safe under at-least-once
// delivery: the claim is the dedupe point.
func (d *Dispatcher) HandleRecordTask(ctx context.Context, sessionID string, batchNumber int) error {
	logger := d.logger.With("session_id", sessionID, "batch", batchNumber)

	claimed, err := d.cfg.Machine.Claim(ctx, sessionID, batchNumber)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	rec, err := d.cfg.Store.GetRecord(ctx, sessionID, batchNumber)
	if err != nil {
		return fmt.Errorf("load claimed record: %w", err)
	}

	var errParts []string
	for _, articleID := range rec.ItemIDs {
		if ctx.Err() != nil {
			errParts = append(errParts, "interrupted by shutdown")
			break
		}

		outcome, err := d.cfg.Runner.Run(ctx, rec.SessionID, articleID)
		if err != nil {
			logger.Error("run item", "article_id", articleID, "error", err)
			rec.ItemsFailed++
			errParts = append(errParts, fmt.Sprintf("%s: %v", articleID, err))
			continue
		}

		// The isolated task persists its own outcome on the happy path;
		// re-saving here covers synthetic outcomes (timeouts, bad output)
		// and is idempotent either way.
		if err := d.cfg.Store.SaveItemOutcome(ctx, rec.SessionID, outcome); err != nil {
			logger.Error("persist outcome", "article_id", articleID, "error", err)
			rec.ItemsFailed++
			errParts = append(errParts, fmt.Sprintf("%s: %v", articleID, err))
			continue
		}

		rec.ActualCost += outcome.ActualCost
		if outcome.Success {
			rec.ItemsProcessed++
		} else {
			rec.ItemsFailed++
			logger.Warn("item failed",
				"article_id", articleID, "reason", outcome.ReviewReason, "error", outcome.Error)
		}
	}

	// Terminal writes survive shutdown; otherwise a claimed record would
	// be stranded in PROCESSING forever.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := d.cfg.Machine.FinishRecord(finishCtx, rec, strings.Join(errParts, "; ")); err != nil {
		return err
	}
	return nil
}

// HandleGenerationTask runs one newsletter generation. Redelivery of a
// finished task is a no-op inside the generator, which checks terminal
// progress before doing any work.
func (d *Dispatcher) HandleGenerationTask(ctx context.Context, taskID string) error {
	if d.cfg.Generator == nil {
		return fmt.Errorf("generation task %s with no generator configured", taskID)
	}
	if err := d.cfg.Generator.Generate(ctx, taskID); err != nil {
		return fmt.Errorf("generate %s: %w", taskID, err)
	}
	d.logger.Info("generation completed", "task_id", taskID)
	return nil
}

func (d *Dispatcher) markInflight(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[key]; ok {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) clearInflight(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, key)
}
