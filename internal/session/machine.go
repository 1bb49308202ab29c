package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Machine coordinates status transitions over a Store. It holds no state of
// its own; every decision is made against the persisted rows so any worker
// process can drive the same session.
type Machine struct {
	store  Store
	logger *slog.Logger
}

// MachineConfig configures a new state machine.
type MachineConfig struct {
	Store  Store
	Logger *slog.Logger
}

// NewMachine creates a state machine over the given store.
func NewMachine(cfg MachineConfig) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: cfg.Store, logger: logger}
}

// Claim attempts to take exclusive ownership of a record. Losing the race is
// not an error: the worker treats the record as taken and moves on.
//
// The first successful claim of a session also moves the session from
// INITIATED to PROCESSING. That transition races between workers by design;
// whichever claim observes INITIATED wins and the rest no-op.
func (m *Machine) Claim(ctx context.Context, sessionID string, batchNumber int) (bool, error) {
	claimed, err := m.store.ClaimRecord(ctx, sessionID, batchNumber)
	if err != nil {
		return false, fmt.Errorf("claim record %s/%d: %w", sessionID, batchNumber, err)
	}
	if !claimed {
		m.logger.Debug("record already taken", "session_id", sessionID, "batch", batchNumber)
		return false, nil
	}

	if _, err := m.store.TransitionSession(ctx, sessionID, []SessionStatus{SessionInitiated}, SessionProcessing); err != nil {
		return false, fmt.Errorf("mark session processing %s: %w", sessionID, err)
	}

	m.logger.Info("record claimed", "session_id", sessionID, "batch", batchNumber)
	return true, nil
}

// FinishRecord writes a record's terminal state and reconciles the owning
// session. A record completes only when none of its items failed.
func (m *Machine) FinishRecord(ctx context.Context, rec *Record, errMsg string) error {
	now := time.Now().UTC()
	rec.CompletedAt = &now
	rec.ErrorMessage = errMsg

	if rec.ItemsFailed == 0 && errMsg == "" {
		rec.Status = RecordCompleted
	} else {
		rec.Status = RecordFailed
	}

	if err := m.store.FinishRecord(ctx, rec); err != nil {
		return fmt.Errorf("finish record %s/%d: %w", rec.SessionID, rec.BatchNumber, err)
	}

	m.logger.Info("record finished",
		"session_id", rec.SessionID,
		"batch", rec.BatchNumber,
		"status", rec.Status,
		"processed", rec.ItemsProcessed,
		"failed", rec.ItemsFailed,
		"cost_usd", rec.ActualCost,
	)

	return m.Reconcile(ctx, rec.SessionID)
}

// Reconcile checks whether every record of a session is terminal and, if so,
// finalizes the session. Safe to call repeatedly and from multiple workers:
// the terminal transition is conditional, so only one finalization lands.
func (m *Machine) Reconcile(ctx context.Context, sessionID string) error {
	records, err := m.store.ListRecords(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list records %s: %w", sessionID, err)
	}

	var actualCost float64
	anyFailed := false
	for i := range records {
		if !records[i].Status.Terminal() {
			return nil // still in flight, nothing to do
		}
		actualCost += records[i].ActualCost
		if records[i].Status == RecordFailed {
			anyFailed = true
		}
	}

	status := SessionCompleted
	if anyFailed {
		status = SessionFailed
	}

	if err := m.store.FinalizeSession(ctx, sessionID, status, actualCost); err != nil {
		return fmt.Errorf("finalize session %s: %w", sessionID, err)
	}

	m.logger.Info("session finalized", "session_id", sessionID, "status", status, "actual_cost_usd", actualCost)
	return nil
}

// Cancel moves a session to CANCELLED. Only INITIATED or PROCESSING sessions
// can be cancelled; in-flight records are allowed to finish, but no new
// record is claimable afterward.
func (m *Machine) Cancel(ctx context.Context, sessionID string) error {
	ok, err := m.store.TransitionSession(ctx, sessionID,
		[]SessionStatus{SessionInitiated, SessionProcessing}, SessionCancelled)
	if err != nil {
		return fmt.Errorf("cancel session %s: %w", sessionID, err)
	}
	if !ok {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("cancel session %s: %w", sessionID, err)
		}
		return fmt.Errorf("session %s not cancellable from status %s", sessionID, s.Status)
	}

	m.logger.Info("session cancelled", "session_id", sessionID)
	return nil
}
