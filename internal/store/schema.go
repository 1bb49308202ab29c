package store

import (
	"context"
	"fmt"
)

// Schema is the persisted surface the pipeline depends on. Production
// migrations are managed externally; EnsureSchema exists for dev
// environments and integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	total_items   INTEGER NOT NULL,
	total_batches INTEGER NOT NULL,
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	actual_cost    DOUBLE PRECISION NOT NULL DEFAULT 0,
	daily_budget   DOUBLE PRECISION NOT NULL DEFAULT 0,
	reserved_cost  DOUBLE PRECISION NOT NULL DEFAULT 0,
	status        TEXT NOT NULL CHECK (status IN ('INITIATED', 'PROCESSING', 'COMPLETED', 'FAILED', 'CANCELLED')),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS records (
	session_id      TEXT NOT NULL REFERENCES sessions(session_id),
	batch_number    INTEGER NOT NULL,
	item_ids        TEXT[] NOT NULL,
	estimated_cost  DOUBLE PRECISION NOT NULL DEFAULT 0,
	actual_cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
	items_processed INTEGER NOT NULL DEFAULT 0,
	items_failed    INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
	error_message   TEXT NOT NULL DEFAULT '',
	claimed_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	PRIMARY KEY (session_id, batch_number)
);

CREATE TABLE IF NOT EXISTS analysis_results (
	article_id  TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	analysis    JSONB NOT NULL,
	validated   BOOLEAN NOT NULL DEFAULT FALSE,
	actual_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	usage       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS review_flags (
	session_id    TEXT NOT NULL,
	article_id    TEXT NOT NULL,
	reason        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (session_id, article_id)
);

CREATE TABLE IF NOT EXISTS generation_progress (
	task_id                TEXT PRIMARY KEY,
	current_step           TEXT NOT NULL,
	step_progress          DOUBLE PRECISION NOT NULL DEFAULT 0,
	overall_progress       DOUBLE PRECISION NOT NULL DEFAULT 0,
	quality_metrics        JSONB,
	intermediate_results   JSONB,
	status                 TEXT NOT NULL CHECK (status IN ('in_progress', 'complete', 'failed')),
	error_message          TEXT NOT NULL DEFAULT '',
	start_time             TIMESTAMPTZ NOT NULL,
	end_time               TIMESTAMPTZ,
	total_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at             TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS newsletter_issues (
	task_id      TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL,
	theme_count  INTEGER NOT NULL DEFAULT 0,
	signal_count INTEGER NOT NULL DEFAULT 0,
	cost_usd     DOUBLE PRECISION NOT NULL DEFAULT 0,
	generated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS call_metrics (
	id                BIGSERIAL PRIMARY KEY,
	session_id        TEXT NOT NULL DEFAULT '',
	batch_number      INTEGER NOT NULL DEFAULT 0,
	task_id           TEXT NOT NULL DEFAULT '',
	stage             TEXT NOT NULL DEFAULT '',
	item_key          TEXT NOT NULL DEFAULT '',
	provider          TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	execution_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	success           BOOLEAN NOT NULL,
	error_type        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
CREATE INDEX IF NOT EXISTS idx_call_metrics_session ON call_metrics(session_id);
CREATE INDEX IF NOT EXISTS idx_call_metrics_task ON call_metrics(task_id);
`

// EnsureSchema creates missing tables. Not a migration tool.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
