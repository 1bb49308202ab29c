// Package session owns the Session/Record lifecycle: creation by the
// planner, optimistic claims by workers, and terminal-state aggregation.
package session

import (
	"context"
	"time"
)

// SessionStatus is the lifecycle state of a planning session.
// Transitions are monotonic forward except the explicit cancel path.
type SessionStatus string

const (
	SessionInitiated  SessionStatus = "INITIATED"
	SessionProcessing SessionStatus = "PROCESSING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
	SessionCancelled  SessionStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// RecordStatus is the lifecycle state of one claimable batch.
type RecordStatus string

const (
	RecordPending    RecordStatus = "PENDING"
	RecordProcessing RecordStatus = "PROCESSING"
	RecordCompleted  RecordStatus = "COMPLETED"
	RecordFailed     RecordStatus = "FAILED"
)

// Terminal reports whether the record has finished processing.
func (s RecordStatus) Terminal() bool {
	return s == RecordCompleted || s == RecordFailed
}

// Session is one planning unit covering a cohort of articles split into
// records. ActualCost is only meaningful once Status is terminal.
type Session struct {
	ID            string        `json:"session_id"`
	TotalItems    int           `json:"total_items"`
	TotalBatches  int           `json:"total_batches"`
	EstimatedCost float64       `json:"estimated_cost"`
	ActualCost    float64       `json:"actual_cost"`
	DailyBudget   float64       `json:"daily_budget"`
	ReservedCost  float64       `json:"reserved_cost"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// Record is one claimable batch of items within a session.
// (SessionID, BatchNumber) form the natural key.
type Record struct {
	SessionID      string       `json:"session_id"`
	BatchNumber    int          `json:"batch_number"`
	ItemIDs        []string     `json:"item_ids"`
	EstimatedCost  float64      `json:"estimated_cost"`
	ActualCost     float64      `json:"actual_cost"`
	ItemsProcessed int          `json:"items_processed"`
	ItemsFailed    int          `json:"items_failed"`
	Status         RecordStatus `json:"status"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	ClaimedAt      *time.Time   `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// Store is the persistence contract the state machine drives. All mutation
// goes through conditional updates so concurrent workers never lose writes.
type Store interface {
	// CreatePlan persists a session and all of its records in a single
	// transaction. Either everything lands or nothing does.
	CreatePlan(ctx context.Context, s *Session, records []Record) error

	GetSession(ctx context.Context, sessionID string) (*Session, error)
	GetRecord(ctx context.Context, sessionID string, batchNumber int) (*Record, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)

	// ClaimRecord attempts the PENDING -> PROCESSING transition. It succeeds
	// only if the record was still PENDING and the owning session is in
	// INITIATED or PROCESSING (claims stop once a session is cancelled).
	// Returns false without error when the claim is lost.
	ClaimRecord(ctx context.Context, sessionID string, batchNumber int) (bool, error)

	// TransitionSession performs a conditional status update. Returns false
	// when the observed status was not in from.
	TransitionSession(ctx context.Context, sessionID string, from []SessionStatus, to SessionStatus) (bool, error)

	// FinishRecord writes a terminal record state conditionally from
	// PROCESSING, including counters, cost, and error message.
	FinishRecord(ctx context.Context, rec *Record) error

	// FinalizeSession stamps a terminal session status together with the
	// aggregated actual cost and completion time.
	FinalizeSession(ctx context.Context, sessionID string, status SessionStatus, actualCost float64) error
}
