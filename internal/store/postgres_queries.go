package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	sq "github.com/Masterminds/squirrel"

	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/session"
	"github.com/mkowalski/foresight/internal/types"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListMetrics implements metrics.Store.
func (p *Postgres) ListMetrics(ctx context.Context, f metrics.Filter) ([]metrics.Metric, error) {
	builder := psql.Select(
		"id", "session_id", "batch_number", "task_id", "stage", "item_key",
		"provider", "model", "cost_usd", "prompt_tokens", "completion_tokens",
		"total_tokens", "execution_seconds", "success", "error_type", "created_at",
	).From("call_metrics").OrderBy("created_at")

	if f.SessionID != "" {
		builder = builder.Where(sq.Eq{"session_id": f.SessionID})
	}
	if f.TaskID != "" {
		builder = builder.Where(sq.Eq{"task_id": f.TaskID})
	}
	if f.Stage != "" {
		builder = builder.Where(sq.Eq{"stage": f.Stage})
	}
	if f.ItemKey != "" {
		builder = builder.Where(sq.Eq{"item_key": f.ItemKey})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build metrics query: %w", err)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []metrics.Metric
	for rows.Next() {
		var (
			m  metrics.Metric
			id int64 // BIGSERIAL; stringified for the row id
		)
		if err := rows.Scan(&id, &m.SessionID, &m.BatchNumber, &m.TaskID, &m.Stage, &m.ItemKey,
			&m.Provider, &m.Model, &m.CostUSD, &m.PromptTokens, &m.CompletionTokens,
			&m.TotalTokens, &m.ExecutionSeconds, &m.Success, &m.ErrorType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.ID = strconv.FormatInt(id, 10)
		out = append(out, m)
	}
	return out, rows.Err()
}

// NextPendingRecords implements Store. Oldest sessions drain first so a
// burst of new plans cannot starve work already in flight.
func (p *Postgres) NextPendingRecords(ctx context.Context, limit int) ([]session.Record, error) {
	builder := psql.Select(
		"r.session_id", "r.batch_number", "r.item_ids", "r.estimated_cost", "r.actual_cost",
		"r.items_processed", "r.items_failed", "r.status", "r.error_message", "r.claimed_at", "r.completed_at",
	).
		From("records r").
		Join("sessions s ON s.session_id = r.session_id").
		Where(sq.Eq{"r.status": session.RecordPending}).
		Where(sq.Eq{"s.status": []session.SessionStatus{session.SessionInitiated, session.SessionProcessing}}).
		OrderBy("s.created_at", "r.batch_number")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending records query: %w", err)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListAnalysisResults implements Store.
func (p *Postgres) ListAnalysisResults(ctx context.Context, f ResultFilter) ([]types.AnalysisResult, error) {
	builder := psql.Select(
		"article_id", "session_id", "analysis", "validated", "actual_cost", "usage", "created_at",
	).From("analysis_results").OrderBy("created_at DESC")

	if f.SessionID != "" {
		builder = builder.Where(sq.Eq{"session_id": f.SessionID})
	}
	if f.ValidatedOnly {
		builder = builder.Where(sq.Eq{"validated": true})
	}
	if !f.Since.IsZero() {
		builder = builder.Where(sq.GtOrEq{"created_at": f.Since})
	}
	if f.Limit > 0 {
		builder = builder.Limit(uint64(f.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build results query: %w", err)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list analysis results: %w", err)
	}
	defer rows.Close()

	var out []types.AnalysisResult
	for rows.Next() {
		var (
			res          types.AnalysisResult
			analysisJSON []byte
			usageJSON    []byte
		)
		if err := rows.Scan(&res.ArticleID, &res.SessionID, &analysisJSON, &res.Validated,
			&res.ActualCost, &usageJSON, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis result: %w", err)
		}
		if err := json.Unmarshal(analysisJSON, &res.Analysis); err != nil {
			return nil, fmt.Errorf("decode analysis %s: %w", res.ArticleID, err)
		}
		if err := json.Unmarshal(usageJSON, &res.Usage); err != nil {
			return nil, fmt.Errorf("decode usage %s: %w", res.ArticleID, err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ListSessions implements Store.
func (p *Postgres) ListSessions(ctx context.Context, f SessionFilter) ([]session.Session, error) {
	builder := psql.Select(
		"session_id", "total_items", "total_batches", "estimated_cost", "actual_cost",
		"daily_budget", "reserved_cost", "status", "created_at", "started_at", "completed_at",
	).From("sessions").OrderBy("created_at DESC")

	if f.Status != "" {
		builder = builder.Where(sq.Eq{"status": f.Status})
	}
	if f.Limit > 0 {
		builder = builder.Limit(uint64(f.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sessions query: %w", err)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
