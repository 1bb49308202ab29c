package dispatch

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrNilTask is returned when attempting to push a nil task.
var ErrNilTask = errors.New("cannot push nil task")

// Priority levels for tasks. Higher values are processed first.
const (
	PriorityLow    = 0  // Background maintenance
	PriorityNormal = 10 // Record analysis batches
	PriorityHigh   = 20 // Newsletter generation
)

// TaskKind identifies what a task carries.
type TaskKind string

const (
	TaskRecord     TaskKind = "record"
	TaskGeneration TaskKind = "generation"
)

// Task is one unit of dispatchable work. Record tasks name a claimable
// batch; generation tasks name a newsletter run over a finished session.
type Task struct {
	Kind     TaskKind
	Priority int

	// Record tasks.
	SessionID   string
	BatchNumber int

	// Generation tasks.
	TaskID string
}

func (t *Task) key() string {
	if t.Kind == TaskGeneration {
		return "gen:" + t.TaskID
	}
	return "rec:" + t.SessionID + "/" + itoa(t.BatchNumber)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// PriorityQueue is a thread-safe priority queue for tasks. Higher Priority
// values dequeue first; equal priorities dequeue FIFO.
type PriorityQueue struct {
	mu     sync.Mutex
	items  taskHeap
	seq    uint64
	notify chan struct{}
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		items:  make(taskHeap, 0),
		notify: make(chan struct{}, 1),
	}
	heap.Init(&pq.items)
	return pq
}

// Push adds a task to the queue.
func (pq *PriorityQueue) Push(task *Task) error {
	if task == nil {
		return ErrNilTask
	}

	pq.mu.Lock()
	pq.seq++
	heap.Push(&pq.items, &taskItem{task: task, seq: pq.seq})
	pq.mu.Unlock()

	select {
	case pq.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the highest priority task. Blocks until an item
// is available or done is closed; returns nil in the latter case.
func (pq *PriorityQueue) Pop(done <-chan struct{}) *Task {
	for {
		pq.mu.Lock()
		if pq.items.Len() > 0 {
			item := heap.Pop(&pq.items).(*taskItem)
			pq.mu.Unlock()
			return item.task
		}
		pq.mu.Unlock()

		select {
		case <-done:
			return nil
		case <-pq.notify:
		}
	}
}

// TryPop pops without blocking. Returns nil if the queue is empty.
func (pq *PriorityQueue) TryPop() *Task {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&pq.items).(*taskItem).task
}

// Len returns the number of queued tasks.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.items.Len()
}

type taskItem struct {
	task *Task
	seq  uint64
}

// taskHeap implements heap.Interface. Higher priority first; equal
// priorities FIFO by sequence.
type taskHeap []*taskItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*taskItem))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}
