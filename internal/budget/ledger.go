package budget

import "context"

// Ledger is implemented by stores that hold a session's budget counters.
// The reservation must be a conditional increment on the persisted row so
// trackers in separate worker processes share one ceiling.
type Ledger interface {
	ReserveBudget(ctx context.Context, sessionID string, amount float64) (bool, error)
	CommitActualCost(ctx context.Context, sessionID string, delta float64) error
}

// SessionTracker is a Tracker backed by a persisted session row. Workers
// processing records of the same session in different processes all contend
// on the same conditional update.
type SessionTracker struct {
	ledger    Ledger
	sessionID string
}

// NewSessionTracker creates a tracker over a session's persisted counters.
func NewSessionTracker(ledger Ledger, sessionID string) *SessionTracker {
	return &SessionTracker{ledger: ledger, sessionID: sessionID}
}

// Reserve implements Tracker.
func (t *SessionTracker) Reserve(ctx context.Context, amount float64) (bool, error) {
	return t.ledger.ReserveBudget(ctx, t.sessionID, amount)
}

// CommitActual implements Tracker.
func (t *SessionTracker) CommitActual(ctx context.Context, delta float64) error {
	return t.ledger.CommitActualCost(ctx, t.sessionID, delta)
}
