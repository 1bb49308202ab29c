package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mkowalski/foresight/internal/types"
)

// SaveItemOutcome implements Store. Successful outcomes upsert the analysis
// result keyed by article id; failures upsert a review flag. Both paths are
// idempotent against at-least-once queue redelivery.
func (p *Postgres) SaveItemOutcome(ctx context.Context, sessionID string, out *types.ItemOutcome) error {
	if out.Success && out.Result != nil {
		analysisJSON, err := json.Marshal(out.Result.Analysis)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
		usageJSON, err := json.Marshal(out.Result.Usage)
		if err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}

		_, err = p.pool.Exec(ctx,
			`INSERT INTO analysis_results (article_id, session_id, analysis, validated, actual_cost, usage, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (article_id) DO UPDATE SET
			   session_id = $2, analysis = $3, validated = $4, actual_cost = $5, usage = $6`,
			out.ArticleID, sessionID, analysisJSON, out.Result.Validated,
			out.Result.ActualCost, usageJSON, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("save analysis result %s: %w", out.ArticleID, err)
		}
		return nil
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO review_flags (session_id, article_id, reason, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, article_id) DO NOTHING`,
		sessionID, out.ArticleID, out.ReviewReason, out.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save review flag %s: %w", out.ArticleID, err)
	}
	return nil
}

// GetAnalysisResult implements Store.
func (p *Postgres) GetAnalysisResult(ctx context.Context, articleID string) (*types.AnalysisResult, error) {
	var (
		res          types.AnalysisResult
		analysisJSON []byte
		usageJSON    []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT article_id, session_id, analysis, validated, actual_cost, usage, created_at
		 FROM analysis_results WHERE article_id = $1`, articleID,
	).Scan(&res.ArticleID, &res.SessionID, &analysisJSON, &res.Validated, &res.ActualCost, &usageJSON, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("result %s: %w", articleID, ErrNotFound)
		}
		return nil, fmt.Errorf("get analysis result %s: %w", articleID, err)
	}

	if err := json.Unmarshal(analysisJSON, &res.Analysis); err != nil {
		return nil, fmt.Errorf("decode analysis %s: %w", articleID, err)
	}
	if err := json.Unmarshal(usageJSON, &res.Usage); err != nil {
		return nil, fmt.Errorf("decode usage %s: %w", articleID, err)
	}
	return &res, nil
}

// SaveIssue implements Store. Re-running a generation task replaces its
// issue wholesale.
func (p *Postgres) SaveIssue(ctx context.Context, issue *types.NewsletterIssue) error {
	generatedAt := issue.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO newsletter_issues (task_id, title, body, theme_count, signal_count, cost_usd, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (task_id) DO UPDATE SET
		   title = $2, body = $3, theme_count = $4, signal_count = $5, cost_usd = $6, generated_at = $7`,
		issue.TaskID, issue.Title, issue.Body, issue.ThemeCount, issue.SignalCount, issue.CostUSD, generatedAt,
	)
	if err != nil {
		return fmt.Errorf("save issue %s: %w", issue.TaskID, err)
	}
	return nil
}

// GetIssue implements Store.
func (p *Postgres) GetIssue(ctx context.Context, taskID string) (*types.NewsletterIssue, error) {
	var issue types.NewsletterIssue
	err := p.pool.QueryRow(ctx,
		`SELECT task_id, title, body, theme_count, signal_count, cost_usd, generated_at
		 FROM newsletter_issues WHERE task_id = $1`, taskID,
	).Scan(&issue.TaskID, &issue.Title, &issue.Body, &issue.ThemeCount, &issue.SignalCount, &issue.CostUSD, &issue.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("issue %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get issue %s: %w", taskID, err)
	}
	return &issue, nil
}

// ListReviewFlags implements Store.
func (p *Postgres) ListReviewFlags(ctx context.Context, sessionID string) ([]ReviewFlag, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT session_id, article_id, reason, error_message, created_at
		 FROM review_flags WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list review flags %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []ReviewFlag
	for rows.Next() {
		var f ReviewFlag
		if err := rows.Scan(&f.SessionID, &f.ArticleID, &f.Reason, &f.Error, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review flag: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetArticle implements Store. Articles come from the ingestion side; the
// pipeline only ever reads them.
func (p *Postgres) GetArticle(ctx context.Context, articleID string) (*types.Article, error) {
	var a types.Article
	err := p.pool.QueryRow(ctx,
		`SELECT id, title, body, publisher, published_at FROM articles WHERE id = $1`, articleID,
	).Scan(&a.ID, &a.Title, &a.Body, &a.Publisher, &a.PublishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("article %s: %w", articleID, ErrNotFound)
		}
		return nil, fmt.Errorf("get article %s: %w", articleID, err)
	}
	return &a, nil
}
