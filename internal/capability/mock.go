package capability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mkowalski/foresight/internal/types"
)

const MockName = "mock"

// Mock implements Analyzer and Validator for testing.
type Mock struct {
	// Configurable behavior
	Latency       time.Duration
	AnalyzeErr    error
	ValidateErr   error
	FailFirstN    int // first N calls fail with ErrInvocation (0 = never)
	Analysis      types.ContentAnalysis
	Validations   []types.SignalValidation
	CostPerCall   float64
	TokensPerCall int

	// State
	analyzeCalls  atomic.Int64
	validateCalls atomic.Int64
}

// NewMock creates a mock with sensible defaults: a single medium-confidence
// weak signal so stage 2 qualifies under typical thresholds.
func NewMock() *Mock {
	return &Mock{
		Latency:     time.Millisecond,
		CostPerCall: 0.01,
		Analysis: types.ContentAnalysis{
			Sentiment:   "neutral",
			ImpactScore: 0.5,
			Summary:     "mock summary",
			WeakSignals: []types.WeakSignal{{
				SignalType:  "market_shift",
				Description: "mock signal",
				Confidence:  0.6,
			}},
		},
		Validations: []types.SignalValidation{{
			SignalType:           "market_shift",
			ValidationStatus:     types.ValidationValidated,
			ConfidenceAdjustment: 0.1,
		}},
		TokensPerCall: 100,
	}
}

// Name implements Analyzer and Validator.
func (m *Mock) Name() string { return MockName }

// AnalyzeCalls returns how many stage-1 calls were made.
func (m *Mock) AnalyzeCalls() int { return int(m.analyzeCalls.Load()) }

// ValidateCalls returns how many stage-2 calls were made.
func (m *Mock) ValidateCalls() int { return int(m.validateCalls.Load()) }

// Analyze implements Analyzer.
func (m *Mock) Analyze(ctx context.Context, article *types.Article) (*AnalysisOutcome, error) {
	count := m.analyzeCalls.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.AnalyzeErr != nil {
		return nil, m.AnalyzeErr
	}
	if m.FailFirstN > 0 && int(count) <= m.FailFirstN {
		return nil, fmt.Errorf("%w: mock transient failure %d", ErrInvocation, count)
	}

	return &AnalysisOutcome{
		Analysis:      m.Analysis,
		CostUSD:       m.CostPerCall,
		Usage:         m.usage(),
		Provider:      MockName,
		Model:         "mock-model",
		ExecutionTime: m.Latency,
	}, nil
}

// Validate implements Validator.
func (m *Mock) Validate(ctx context.Context, article *types.Article, signals []types.WeakSignal) (*ValidationOutcome, error) {
	m.validateCalls.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.ValidateErr != nil {
		return nil, m.ValidateErr
	}

	return &ValidationOutcome{
		Validations:   m.Validations,
		CostUSD:       m.CostPerCall,
		Usage:         m.usage(),
		Provider:      MockName,
		Model:         "mock-model",
		ExecutionTime: m.Latency,
	}, nil
}

func (m *Mock) usage() types.TokenUsage {
	return types.TokenUsage{
		PromptTokens:     m.TokensPerCall / 2,
		CompletionTokens: m.TokensPerCall / 2,
		TotalTokens:      m.TokensPerCall,
	}
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Latency):
		return nil
	}
}
