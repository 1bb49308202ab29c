package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/progress"
)

// UpsertProgress implements progress.Store. The row is keyed by task_id so
// each step owner's write replaces the previous snapshot.
func (p *Postgres) UpsertProgress(ctx context.Context, row *progress.GenerationProgress) error {
	qualityJSON, err := json.Marshal(row.QualityMetrics)
	if err != nil {
		return fmt.Errorf("marshal quality metrics: %w", err)
	}
	intermediateJSON, err := json.Marshal(row.Intermediate)
	if err != nil {
		return fmt.Errorf("marshal intermediate results: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO generation_progress
		   (task_id, current_step, step_progress, overall_progress, quality_metrics,
		    intermediate_results, status, error_message, start_time, end_time,
		    total_duration_seconds, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (task_id) DO UPDATE SET
		   current_step = $2, step_progress = $3, overall_progress = $4,
		   quality_metrics = $5, intermediate_results = $6, status = $7,
		   error_message = $8, start_time = $9, end_time = $10,
		   total_duration_seconds = $11, updated_at = $12`,
		row.TaskID, row.CurrentStep, row.StepProgress, row.OverallProgress, qualityJSON,
		intermediateJSON, row.Status, row.Error, row.StartTime, row.EndTime,
		row.TotalDuration, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert progress %s: %w", row.TaskID, err)
	}
	return nil
}

// GetProgress implements progress.Store. Returns nil when no row exists.
func (p *Postgres) GetProgress(ctx context.Context, taskID string) (*progress.GenerationProgress, error) {
	var (
		row              progress.GenerationProgress
		qualityJSON      []byte
		intermediateJSON []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT task_id, current_step, step_progress, overall_progress, quality_metrics,
		        intermediate_results, status, error_message, start_time, end_time,
		        total_duration_seconds, updated_at
		 FROM generation_progress WHERE task_id = $1`, taskID,
	).Scan(&row.TaskID, &row.CurrentStep, &row.StepProgress, &row.OverallProgress, &qualityJSON,
		&intermediateJSON, &row.Status, &row.Error, &row.StartTime, &row.EndTime,
		&row.TotalDuration, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get progress %s: %w", taskID, err)
	}

	if len(qualityJSON) > 0 {
		if err := json.Unmarshal(qualityJSON, &row.QualityMetrics); err != nil {
			return nil, fmt.Errorf("decode quality metrics %s: %w", taskID, err)
		}
	}
	if len(intermediateJSON) > 0 {
		if err := json.Unmarshal(intermediateJSON, &row.Intermediate); err != nil {
			return nil, fmt.Errorf("decode intermediate results %s: %w", taskID, err)
		}
	}
	return &row, nil
}

// InsertMetric implements metrics.Store.
func (p *Postgres) InsertMetric(ctx context.Context, m *metrics.Metric) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO call_metrics
		   (session_id, batch_number, task_id, stage, item_key, provider, model,
		    cost_usd, prompt_tokens, completion_tokens, total_tokens,
		    execution_seconds, success, error_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		m.SessionID, m.BatchNumber, m.TaskID, m.Stage, m.ItemKey, m.Provider, m.Model,
		m.CostUSD, m.PromptTokens, m.CompletionTokens, m.TotalTokens,
		m.ExecutionSeconds, m.Success, m.ErrorType, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}
