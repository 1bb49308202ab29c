// Package planner partitions a cohort of articles into claimable batches.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkowalski/foresight/internal/session"
)

// Planning failures surface to the submitting caller before anything is
// persisted.
var (
	ErrEmptyCohort      = errors.New("planning: empty cohort")
	ErrInvalidBatchSize = errors.New("planning: batch size must be positive")
)

// Estimator returns the estimated cost in USD for analyzing one article.
type Estimator func(itemID string) float64

// Planner creates sessions and their records transactionally.
type Planner struct {
	store  session.Store
	logger *slog.Logger
}

// Config configures a new planner.
type Config struct {
	Store  session.Store
	Logger *slog.Logger
}

// New creates a planner over the given store.
func New(cfg Config) *Planner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{store: cfg.Store, logger: logger}
}

// Plan splits itemIDs into ceil(N/batchSize) contiguous batches and persists
// the session plus all records in one transaction. dailyBudget becomes the
// session's spending ceiling.
func (p *Planner) Plan(ctx context.Context, itemIDs []string, batchSize int, dailyBudget float64, estimate Estimator) (*session.Session, error) {
	if len(itemIDs) == 0 {
		return nil, ErrEmptyCohort
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, batchSize)
	}
	if estimate == nil {
		estimate = func(string) float64 { return 0 }
	}

	s := &session.Session{
		ID:          uuid.NewString(),
		TotalItems:  len(itemIDs),
		DailyBudget: dailyBudget,
		Status:      session.SessionInitiated,
		CreatedAt:   time.Now().UTC(),
	}

	var records []session.Record
	for start := 0; start < len(itemIDs); start += batchSize {
		end := start + batchSize
		if end > len(itemIDs) {
			end = len(itemIDs)
		}

		rec := session.Record{
			SessionID:   s.ID,
			BatchNumber: len(records) + 1,
			ItemIDs:     append([]string(nil), itemIDs[start:end]...),
			Status:      session.RecordPending,
		}
		for _, id := range rec.ItemIDs {
			rec.EstimatedCost += estimate(id)
		}

		s.EstimatedCost += rec.EstimatedCost
		records = append(records, rec)
	}
	s.TotalBatches = len(records)

	if err := p.store.CreatePlan(ctx, s, records); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	p.logger.Info("session planned",
		"session_id", s.ID,
		"items", s.TotalItems,
		"batches", s.TotalBatches,
		"estimated_cost_usd", s.EstimatedCost,
	)

	return s, nil
}
