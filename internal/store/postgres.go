package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkowalski/foresight/internal/session"
)

// Postgres is the production Store backed by a pgx connection pool.
// All multi-row writes that must be atomic run in a single transaction;
// all status mutation is conditional SQL so concurrent workers cannot
// overwrite each other.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database.
func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close implements Store.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// CreatePlan implements session.Store. Either the session and every record
// land, or the transaction rolls back and nothing does.
func (p *Postgres) CreatePlan(ctx context.Context, s *session.Session, records []session.Record) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin plan transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (session_id, total_items, total_batches, estimated_cost, daily_budget, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.TotalItems, s.TotalBatches, s.EstimatedCost, s.DailyBudget, s.Status, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for i := range records {
		rec := &records[i]
		_, err = tx.Exec(ctx,
			`INSERT INTO records (session_id, batch_number, item_ids, estimated_cost, status)
			 VALUES ($1, $2, $3, $4, $5)`,
			rec.SessionID, rec.BatchNumber, rec.ItemIDs, rec.EstimatedCost, rec.Status,
		)
		if err != nil {
			return fmt.Errorf("insert record %d: %w", rec.BatchNumber, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit plan: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, total_items, total_batches, estimated_cost, actual_cost,
	daily_budget, reserved_cost, status, created_at, started_at, completed_at`

func scanSession(row pgx.Row) (*session.Session, error) {
	var s session.Session
	err := row.Scan(&s.ID, &s.TotalItems, &s.TotalBatches, &s.EstimatedCost, &s.ActualCost,
		&s.DailyBudget, &s.ReservedCost, &s.Status, &s.CreatedAt, &s.StartedAt, &s.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetSession implements session.Store.
func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID))
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return s, nil
}

const recordColumns = `session_id, batch_number, item_ids, estimated_cost, actual_cost,
	items_processed, items_failed, status, error_message, claimed_at, completed_at`

func scanRecord(row pgx.Row) (*session.Record, error) {
	var rec session.Record
	err := row.Scan(&rec.SessionID, &rec.BatchNumber, &rec.ItemIDs, &rec.EstimatedCost, &rec.ActualCost,
		&rec.ItemsProcessed, &rec.ItemsFailed, &rec.Status, &rec.ErrorMessage, &rec.ClaimedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// GetRecord implements session.Store.
func (p *Postgres) GetRecord(ctx context.Context, sessionID string, batchNumber int) (*session.Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE session_id = $1 AND batch_number = $2`,
		sessionID, batchNumber))
	if err != nil {
		return nil, fmt.Errorf("get record %s/%d: %w", sessionID, batchNumber, err)
	}
	return rec, nil
}

// ListRecords implements session.Store.
func (p *Postgres) ListRecords(ctx context.Context, sessionID string) ([]session.Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records WHERE session_id = $1 ORDER BY batch_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list records %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ClaimRecord implements session.Store. The claim is one conditional UPDATE:
// it succeeds only while the record is PENDING and the owning session still
// accepts work. RowsAffected tells the caller whether it won the race.
func (p *Postgres) ClaimRecord(ctx context.Context, sessionID string, batchNumber int) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE records SET status = $1, claimed_at = $2
		 WHERE session_id = $3 AND batch_number = $4 AND status = $5
		   AND EXISTS (
		     SELECT 1 FROM sessions
		     WHERE session_id = $3 AND status IN ($6, $7)
		   )`,
		session.RecordProcessing, time.Now().UTC(), sessionID, batchNumber, session.RecordPending,
		session.SessionInitiated, session.SessionProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("claim record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionSession implements session.Store.
func (p *Postgres) TransitionSession(ctx context.Context, sessionID string, from []session.SessionStatus, to session.SessionStatus) (bool, error) {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET status = $1,
		   started_at = CASE WHEN $1 = $2 AND started_at IS NULL THEN NOW() ELSE started_at END
		 WHERE session_id = $3 AND status = ANY($4)`,
		to, session.SessionProcessing, sessionID, fromStr,
	)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishRecord implements session.Store. Conditional on the record still
// being PROCESSING so a redelivered finish cannot clobber a terminal row.
func (p *Postgres) FinishRecord(ctx context.Context, rec *session.Record) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE records SET status = $1, actual_cost = $2, items_processed = $3,
		   items_failed = $4, error_message = $5, completed_at = $6
		 WHERE session_id = $7 AND batch_number = $8 AND status = $9`,
		rec.Status, rec.ActualCost, rec.ItemsProcessed, rec.ItemsFailed,
		rec.ErrorMessage, rec.CompletedAt, rec.SessionID, rec.BatchNumber, session.RecordProcessing,
	)
	if err != nil {
		return fmt.Errorf("finish record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s/%d not in processing state", rec.SessionID, rec.BatchNumber)
	}
	return nil
}

// FinalizeSession implements session.Store.
func (p *Postgres) FinalizeSession(ctx context.Context, sessionID string, status session.SessionStatus, actualCost float64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, actual_cost = $2, completed_at = NOW()
		 WHERE session_id = $3 AND status NOT IN ($4, $5, $6)`,
		status, actualCost, sessionID,
		session.SessionCompleted, session.SessionFailed, session.SessionCancelled,
	)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	return nil
}

// ReserveBudget implements budget.Ledger. A single conditional increment:
// two concurrent reservations that would jointly breach the ceiling cannot
// both match the WHERE clause.
func (p *Postgres) ReserveBudget(ctx context.Context, sessionID string, amount float64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET reserved_cost = reserved_cost + $1
		 WHERE session_id = $2 AND reserved_cost + $1 <= daily_budget`,
		amount, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("reserve budget: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CommitActualCost implements budget.Ledger.
func (p *Postgres) CommitActualCost(ctx context.Context, sessionID string, delta float64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET reserved_cost = GREATEST(reserved_cost + $1, 0)
		 WHERE session_id = $2`,
		delta, sessionID,
	)
	if err != nil {
		return fmt.Errorf("commit actual cost: %w", err)
	}
	return nil
}
