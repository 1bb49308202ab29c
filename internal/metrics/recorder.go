package metrics

import (
	"context"
	"log/slog"
	"sync"
)

// Recorder handles fire-and-forget metric recording. Writes are queued and
// drained by a background goroutine so capability calls never block on the
// store. A full queue drops the metric rather than stalling the pipeline.
type Recorder struct {
	store  Store
	logger *slog.Logger

	queue chan *Metric

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// RecorderConfig configures a metric recorder.
type RecorderConfig struct {
	Store     Store
	Logger    *slog.Logger
	QueueSize int // default 1000
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(cfg RecorderConfig) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Recorder{
		store:  cfg.Store,
		logger: logger,
		queue:  make(chan *Metric, queueSize),
	}
}

// Start begins draining queued metrics. Call once; writes continue until Stop.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for m := range r.queue {
			if err := r.store.InsertMetric(ctx, m); err != nil {
				r.logger.Error("metric write failed", "stage", m.Stage, "item_key", m.ItemKey, "error", err)
			}
		}
	}()
}

// Stop flushes remaining metrics and shuts the recorder down.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.queue)
		r.wg.Wait()
	})
}

// Record queues a metric without blocking. Drops when the queue is full.
func (r *Recorder) Record(m *Metric) {
	if r == nil || m == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("recorder stopped, dropping metric", "stage", m.Stage)
		}
	}()

	select {
	case r.queue <- m:
	default:
		r.logger.Warn("metric queue full, dropping metric", "stage", m.Stage, "item_key", m.ItemKey)
	}
}
