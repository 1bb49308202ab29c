// Package budget enforces the spending ceiling for paid analysis calls.
//
// Every paid operation reserves its estimated cost before executing. The
// reservation is a single atomic compare-and-increment, never a
// read-then-write, so concurrent callers sharing one tracker can never push
// the accumulated spend past the ceiling.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is returned by helpers that convert a denied reservation
// into an error. Tracker.Reserve itself reports denial via its bool return.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Tracker gates paid operations against a budget ceiling.
type Tracker interface {
	// Reserve atomically checks accumulated+amount <= ceiling. On success it
	// increments the accumulated spend and returns true; otherwise it returns
	// false without mutating state.
	Reserve(ctx context.Context, amount float64) (bool, error)

	// CommitActual reconciles a reservation against the real billed amount.
	// The delta is actual minus reserved and may be negative.
	CommitActual(ctx context.Context, delta float64) error
}

// MemoryTracker is an in-process Tracker guarding one session's spend.
type MemoryTracker struct {
	mu          sync.Mutex
	dailyBudget float64
	accumulated float64
}

// NewMemoryTracker creates a tracker with the given ceiling.
func NewMemoryTracker(dailyBudget float64) *MemoryTracker {
	return &MemoryTracker{dailyBudget: dailyBudget}
}

// Reserve implements Tracker.
func (t *MemoryTracker) Reserve(_ context.Context, amount float64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("negative reservation: %f", amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accumulated+amount > t.dailyBudget {
		return false, nil
	}
	t.accumulated += amount
	return true, nil
}

// CommitActual implements Tracker.
func (t *MemoryTracker) CommitActual(_ context.Context, delta float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.accumulated += delta
	if t.accumulated < 0 {
		t.accumulated = 0
	}
	return nil
}

// Accumulated returns the current reserved spend.
func (t *MemoryTracker) Accumulated() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accumulated
}

// Remaining returns the spend still available under the ceiling.
func (t *MemoryTracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dailyBudget - t.accumulated
}
