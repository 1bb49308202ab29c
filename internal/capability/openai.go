package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/mkowalski/foresight/internal/types"
)

const (
	OpenAIName          = "openai"
	openAIDefaultModel  = "gpt-4o-mini"
	openAIDefaultRPM    = 120
	openAIDefaultTokens = 2048

	// USD per 1M tokens; overridable per deployment in config.
	openAIDefaultInputCostPer1M  = 0.15
	openAIDefaultOutputCostPer1M = 0.60
)

// OpenAIConfig holds configuration for the OpenAI-backed capability client.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	RPM         int           // Requests per minute
	Timeout     time.Duration // Per-call timeout
	BaseURL     string        // Optional (tests, proxies)
	HTTPClient  *http.Client  // Optional (tests)

	// USD per 1M tokens for cost attribution.
	InputCostPer1M  float64
	OutputCostPer1M float64

	// Stage-2 bound: maximum research lookups per validation call.
	MaxSearchesPerValidation int
}

// OpenAIClient implements Analyzer and Validator using the official SDK.
// One client serves both stages; they differ only in prompt and schema.
type OpenAIClient struct {
	cfg     OpenAIConfig
	client  openai.Client
	limiter *RateLimiter
}

// NewOpenAIClient creates a capability client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = openAIDefaultTokens
	}
	if cfg.RPM <= 0 {
		cfg.RPM = openAIDefaultRPM
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.InputCostPer1M <= 0 {
		cfg.InputCostPer1M = openAIDefaultInputCostPer1M
	}
	if cfg.OutputCostPer1M <= 0 {
		cfg.OutputCostPer1M = openAIDefaultOutputCostPer1M
	}
	if cfg.MaxSearchesPerValidation <= 0 {
		cfg.MaxSearchesPerValidation = 3
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAIClient{
		cfg:     cfg,
		client:  openai.NewClient(opts...),
		limiter: NewRateLimiter(cfg.RPM),
	}
}

// Name implements Analyzer and Validator.
func (c *OpenAIClient) Name() string { return OpenAIName }

// Analyze implements Analyzer.
func (c *OpenAIClient) Analyze(ctx context.Context, article *types.Article) (*AnalysisOutcome, error) {
	prompt := analysisPrompt(article)

	raw, usage, execTime, err := c.complete(ctx, analysisSystemPrompt, prompt, analysisSchema)
	if err != nil {
		return nil, err
	}

	var analysis types.ContentAnalysis
	if err := json.Unmarshal(raw, &analysis); err != nil {
		return nil, fmt.Errorf("%w: decode analysis: %v", ErrInvocation, err)
	}

	return &AnalysisOutcome{
		Analysis:      analysis,
		CostUSD:       c.cost(usage),
		Usage:         usage,
		Provider:      OpenAIName,
		Model:         c.cfg.Model,
		ExecutionTime: execTime,
	}, nil
}

// Validate implements Validator.
func (c *OpenAIClient) Validate(ctx context.Context, article *types.Article, signals []types.WeakSignal) (*ValidationOutcome, error) {
	prompt, err := validationPrompt(article, signals, c.cfg.MaxSearchesPerValidation)
	if err != nil {
		return nil, err
	}

	raw, usage, execTime, err := c.complete(ctx, validationSystemPrompt, prompt, validationSchema)
	if err != nil {
		return nil, err
	}

	var out struct {
		Validations []types.SignalValidation `json:"validations"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode validations: %v", ErrInvocation, err)
	}

	return &ValidationOutcome{
		Validations:   out.Validations,
		CostUSD:       c.cost(usage),
		Usage:         usage,
		Provider:      OpenAIName,
		Model:         c.cfg.Model,
		ExecutionTime: execTime,
	}, nil
}

// complete runs one chat completion in JSON mode and validates the output
// against the canonical schema locally. Providers route json_schema support
// inconsistently, so local validation is the source of truth.
func (c *OpenAIClient) complete(ctx context.Context, system, user, schema string) (json.RawMessage, types.TokenUsage, time.Duration, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, types.TokenUsage{}, 0, fmt.Errorf("%w: rate limit wait: %v", ErrInvocation, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxTokens: openai.Int(int64(c.cfg.MaxTokens)),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(callCtx, params)
	execTime := time.Since(start)
	if err != nil {
		return nil, types.TokenUsage{}, execTime, c.classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, types.TokenUsage{}, execTime, fmt.Errorf("%w: empty completion", ErrInvocation)
	}

	usage := types.TokenUsage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}

	raw, err := parseStructuredJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, usage, execTime, fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	if err := validateStructuredJSON(schema, raw); err != nil {
		return nil, usage, execTime, fmt.Errorf("%w: %v", ErrInvocation, err)
	}

	return raw, usage, execTime, nil
}

func (c *OpenAIClient) cost(usage types.TokenUsage) float64 {
	return float64(usage.PromptTokens)*c.cfg.InputCostPer1M/1e6 +
		float64(usage.CompletionTokens)*c.cfg.OutputCostPer1M/1e6
}

// classifyError maps SDK errors onto the transient-invocation sentinel.
// Everything the SDK surfaces here is either network-bound or upstream, so
// all of it is retryable from the orchestrator's point of view. A 429 also
// drains the local bucket so subsequent calls back off the provider.
func (c *OpenAIClient) classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			c.limiter.Drain()
		}
		return fmt.Errorf("%w: upstream status %d: %v", ErrInvocation, apiErr.StatusCode, apiErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %v", ErrInvocation, err)
	}
	return fmt.Errorf("%w: %v", ErrInvocation, err)
}

const analysisSystemPrompt = `You are a content analyst for a technology intelligence service.
Analyze the article and return ONLY a JSON object with sentiment, impact_score (0-1),
summary, and weak_signals: emerging low-confidence patterns worth monitoring, each with
signal_type, description, confidence (0-1), implications, evidence, and timeframe.`

const validationSystemPrompt = `You are a research validator. For each weak signal, decide whether
independent evidence VALIDATED or CONTRADICTED it, or whether research was INCONCLUSIVE.
Return ONLY a JSON object with a validations array carrying signal_type, validation_status,
confidence_adjustment (-1..1), and research_sources.`

func analysisPrompt(article *types.Article) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", article.Title)
	fmt.Fprintf(&b, "Publisher: %s\n\n", article.Publisher)
	b.WriteString(article.Body)
	return b.String()
}

func validationPrompt(article *types.Article, signals []types.WeakSignal, maxSearches int) (string, error) {
	encoded, err := json.Marshal(signals)
	if err != nil {
		return "", fmt.Errorf("encode signals: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Article: %s (%s)\n\n", article.Title, article.Publisher)
	fmt.Fprintf(&b, "Signals to validate:\n%s\n\n", encoded)
	fmt.Fprintf(&b, "Use at most %d research lookups per signal.\n", maxSearches)
	return b.String(), nil
}
