// Package store persists sessions, records, analysis results, review flags,
// generation progress, and cost metrics.
//
// Two implementations share one contract: a Postgres store for production
// and an in-memory store for tests and no-database dev mode. Both enforce
// the same optimistic-concurrency semantics — claims and budget reservations
// are conditional updates, never read-then-write.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mkowalski/foresight/internal/budget"
	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/progress"
	"github.com/mkowalski/foresight/internal/session"
	"github.com/mkowalski/foresight/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ReviewFlag marks an item that automated processing could not confidently
// complete. Flagged items are surfaced, never silently dropped.
type ReviewFlag struct {
	SessionID string             `json:"session_id"`
	ArticleID string             `json:"article_id"`
	Reason    types.ReviewReason `json:"reason"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	Status session.SessionStatus
	Limit  int
}

// ResultFilter narrows analysis-result listings for newsletter selection.
type ResultFilter struct {
	SessionID     string
	ValidatedOnly bool
	Since         time.Time
	Limit         int
}

// Store is the full persistence surface the pipeline depends on.
type Store interface {
	session.Store
	budget.Ledger
	progress.Store
	metrics.Store

	// SaveItemOutcome persists the result of one item: the analysis result
	// on success, a review flag when the item needs attention. Idempotent
	// against at-least-once redelivery (keyed by article id).
	SaveItemOutcome(ctx context.Context, sessionID string, out *types.ItemOutcome) error

	// GetAnalysisResult returns a persisted result, or ErrNotFound.
	GetAnalysisResult(ctx context.Context, articleID string) (*types.AnalysisResult, error)
	ListAnalysisResults(ctx context.Context, f ResultFilter) ([]types.AnalysisResult, error)
	ListReviewFlags(ctx context.Context, sessionID string) ([]ReviewFlag, error)

	// SaveIssue persists a generated newsletter issue, keyed by task id.
	SaveIssue(ctx context.Context, issue *types.NewsletterIssue) error
	GetIssue(ctx context.Context, taskID string) (*types.NewsletterIssue, error)

	// GetArticle reads from the content repository surface. The pipeline
	// never writes articles.
	GetArticle(ctx context.Context, articleID string) (*types.Article, error)

	// NextPendingRecords lists claimable records for the dispatch loop,
	// oldest sessions first. Listing does not claim; the claim itself is
	// the conditional update.
	NextPendingRecords(ctx context.Context, limit int) ([]session.Record, error)

	ListSessions(ctx context.Context, f SessionFilter) ([]session.Session, error)

	Close()
}
