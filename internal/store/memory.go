package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/progress"
	"github.com/mkowalski/foresight/internal/session"
	"github.com/mkowalski/foresight/internal/types"
)

// Memory is an in-memory Store. One mutex serializes all mutation, which
// makes every conditional update atomic by construction — the same
// observable semantics the Postgres store gets from conditional SQL.
type Memory struct {
	mu sync.Mutex

	sessions map[string]*session.Session
	records  map[string]map[int]*session.Record // sessionID -> batchNumber
	results  map[string]*types.AnalysisResult   // articleID
	flags    map[string][]ReviewFlag            // sessionID
	rows     map[string]*progress.GenerationProgress
	metrics  []metrics.Metric
	articles map[string]*types.Article
	issues   map[string]*types.NewsletterIssue // taskID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*session.Session),
		records:  make(map[string]map[int]*session.Record),
		results:  make(map[string]*types.AnalysisResult),
		flags:    make(map[string][]ReviewFlag),
		rows:     make(map[string]*progress.GenerationProgress),
		articles: make(map[string]*types.Article),
		issues:   make(map[string]*types.NewsletterIssue),
	}
}

// Close implements Store.
func (m *Memory) Close() {}

// AddArticle seeds the content repository surface (tests, dev mode).
func (m *Memory) AddArticle(a *types.Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.articles[a.ID] = &cp
}

// GetArticle implements Store.
func (m *Memory) GetArticle(_ context.Context, articleID string) (*types.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[articleID]
	if !ok {
		return nil, fmt.Errorf("article %s: %w", articleID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// CreatePlan implements session.Store.
func (m *Memory) CreatePlan(_ context.Context, s *session.Session, records []session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	for i := range records {
		if records[i].SessionID != s.ID {
			return fmt.Errorf("record %d belongs to session %s, not %s", records[i].BatchNumber, records[i].SessionID, s.ID)
		}
	}

	cp := *s
	m.sessions[s.ID] = &cp
	byBatch := make(map[int]*session.Record, len(records))
	for i := range records {
		rec := records[i]
		rec.ItemIDs = append([]string(nil), rec.ItemIDs...)
		if _, dup := byBatch[rec.BatchNumber]; dup {
			return fmt.Errorf("duplicate batch number %d in session %s", rec.BatchNumber, s.ID)
		}
		byBatch[rec.BatchNumber] = &rec
	}
	m.records[s.ID] = byBatch
	return nil
}

// GetSession implements session.Store.
func (m *Memory) GetSession(_ context.Context, sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// GetRecord implements session.Store.
func (m *Memory) GetRecord(_ context.Context, sessionID string, batchNumber int) (*session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID][batchNumber]
	if !ok {
		return nil, fmt.Errorf("record %s/%d: %w", sessionID, batchNumber, ErrNotFound)
	}
	cp := *rec
	cp.ItemIDs = append([]string(nil), rec.ItemIDs...)
	return &cp, nil
}

// ListRecords implements session.Store.
func (m *Memory) ListRecords(_ context.Context, sessionID string) ([]session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byBatch, ok := m.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	out := make([]session.Record, 0, len(byBatch))
	for _, rec := range byBatch {
		cp := *rec
		cp.ItemIDs = append([]string(nil), rec.ItemIDs...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

// ClaimRecord implements session.Store. The whole check-and-set runs under
// the store mutex, so exactly one of two concurrent claimants wins.
func (m *Memory) ClaimRecord(_ context.Context, sessionID string, batchNumber int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.Status != session.SessionInitiated && s.Status != session.SessionProcessing {
		return false, nil
	}

	rec, ok := m.records[sessionID][batchNumber]
	if !ok {
		return false, fmt.Errorf("record %s/%d: %w", sessionID, batchNumber, ErrNotFound)
	}
	if rec.Status != session.RecordPending {
		return false, nil
	}

	now := time.Now().UTC()
	rec.Status = session.RecordProcessing
	rec.ClaimedAt = &now
	return true, nil
}

// TransitionSession implements session.Store.
func (m *Memory) TransitionSession(_ context.Context, sessionID string, from []session.SessionStatus, to session.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	for _, f := range from {
		if s.Status == f {
			s.Status = to
			if to == session.SessionProcessing && s.StartedAt == nil {
				now := time.Now().UTC()
				s.StartedAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

// FinishRecord implements session.Store.
func (m *Memory) FinishRecord(_ context.Context, rec *session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[rec.SessionID][rec.BatchNumber]
	if !ok {
		return fmt.Errorf("record %s/%d: %w", rec.SessionID, rec.BatchNumber, ErrNotFound)
	}
	if cur.Status != session.RecordProcessing {
		return fmt.Errorf("record %s/%d not processing (status %s)", rec.SessionID, rec.BatchNumber, cur.Status)
	}

	cur.Status = rec.Status
	cur.ActualCost = rec.ActualCost
	cur.ItemsProcessed = rec.ItemsProcessed
	cur.ItemsFailed = rec.ItemsFailed
	cur.ErrorMessage = rec.ErrorMessage
	cur.CompletedAt = rec.CompletedAt
	return nil
}

// FinalizeSession implements session.Store. The terminal stamp is
// conditional on the session still being non-terminal, so concurrent
// reconcilers cannot double-finalize.
func (m *Memory) FinalizeSession(_ context.Context, sessionID string, status session.SessionStatus, actualCost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	s.Status = status
	s.ActualCost = actualCost
	s.CompletedAt = &now
	return nil
}

// ReserveBudget implements budget.Ledger as an atomic conditional increment
// against the session's persisted ceiling.
func (m *Memory) ReserveBudget(_ context.Context, sessionID string, amount float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.ReservedCost+amount > s.DailyBudget {
		return false, nil
	}
	s.ReservedCost += amount
	return true, nil
}

// CommitActualCost implements budget.Ledger.
func (m *Memory) CommitActualCost(_ context.Context, sessionID string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	s.ReservedCost += delta
	if s.ReservedCost < 0 {
		s.ReservedCost = 0
	}
	return nil
}

// SaveItemOutcome implements Store.
func (m *Memory) SaveItemOutcome(_ context.Context, sessionID string, out *types.ItemOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if out.Success && out.Result != nil {
		cp := *out.Result
		cp.SessionID = sessionID
		m.results[out.ArticleID] = &cp
		return nil
	}

	// Redelivered failures for an already-flagged article are no-ops.
	for _, f := range m.flags[sessionID] {
		if f.ArticleID == out.ArticleID {
			return nil
		}
	}
	m.flags[sessionID] = append(m.flags[sessionID], ReviewFlag{
		SessionID: sessionID,
		ArticleID: out.ArticleID,
		Reason:    out.ReviewReason,
		Error:     out.Error,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// GetAnalysisResult implements Store.
func (m *Memory) GetAnalysisResult(_ context.Context, articleID string) (*types.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[articleID]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", articleID, ErrNotFound)
	}
	cp := *res
	return &cp, nil
}

// ListAnalysisResults implements Store.
func (m *Memory) ListAnalysisResults(_ context.Context, f ResultFilter) ([]types.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.AnalysisResult
	for _, res := range m.results {
		if f.SessionID != "" && res.SessionID != f.SessionID {
			continue
		}
		if f.ValidatedOnly && !res.Validated {
			continue
		}
		if !f.Since.IsZero() && res.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SaveIssue implements Store.
func (m *Memory) SaveIssue(_ context.Context, issue *types.NewsletterIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *issue
	m.issues[issue.TaskID] = &cp
	return nil
}

// GetIssue implements Store.
func (m *Memory) GetIssue(_ context.Context, taskID string) (*types.NewsletterIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[taskID]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", taskID, ErrNotFound)
	}
	cp := *issue
	return &cp, nil
}

// ListReviewFlags implements Store.
func (m *Memory) ListReviewFlags(_ context.Context, sessionID string) ([]ReviewFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReviewFlag(nil), m.flags[sessionID]...), nil
}

// UpsertProgress implements progress.Store.
func (m *Memory) UpsertProgress(_ context.Context, row *progress.GenerationProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.rows[row.TaskID] = &cp
	return nil
}

// GetProgress implements progress.Store.
func (m *Memory) GetProgress(_ context.Context, taskID string) (*progress.GenerationProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[taskID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

// InsertMetric implements metrics.Store.
func (m *Memory) InsertMetric(_ context.Context, metric *metrics.Metric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *metric
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.metrics = append(m.metrics, cp)
	return nil
}

// ListMetrics implements metrics.Store.
func (m *Memory) ListMetrics(_ context.Context, f metrics.Filter) ([]metrics.Metric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []metrics.Metric
	for i := range m.metrics {
		if f.Matches(&m.metrics[i]) {
			out = append(out, m.metrics[i])
		}
	}
	return out, nil
}

// NextPendingRecords implements Store.
func (m *Memory) NextPendingRecords(_ context.Context, limit int) ([]session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		created time.Time
		rec     session.Record
	}
	var candidates []candidate
	for sid, byBatch := range m.records {
		s := m.sessions[sid]
		if s == nil || (s.Status != session.SessionInitiated && s.Status != session.SessionProcessing) {
			continue
		}
		for _, rec := range byBatch {
			if rec.Status != session.RecordPending {
				continue
			}
			cp := *rec
			cp.ItemIDs = append([]string(nil), rec.ItemIDs...)
			candidates = append(candidates, candidate{created: s.CreatedAt, rec: cp})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].created.Equal(candidates[j].created) {
			return candidates[i].created.Before(candidates[j].created)
		}
		if candidates[i].rec.SessionID != candidates[j].rec.SessionID {
			return candidates[i].rec.SessionID < candidates[j].rec.SessionID
		}
		return candidates[i].rec.BatchNumber < candidates[j].rec.BatchNumber
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]session.Record, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.rec)
	}
	return out, nil
}

// ListSessions implements Store.
func (m *Memory) ListSessions(_ context.Context, f SessionFilter) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []session.Session
	for _, s := range m.sessions {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
