// Package runner executes a single item's analysis in an isolated child so
// that a crash, hang, or garbage output from one article cannot take down
// the worker processing the rest of the batch.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/mkowalski/foresight/internal/types"
)

// ErrSerialization marks child output that could not be decoded into an
// outcome. It is retryable up to the configured limit.
var ErrSerialization = errors.New("malformed task output")

// Runner executes one item and returns its structured outcome.
type Runner interface {
	Run(ctx context.Context, sessionID, articleID string) (*types.ItemOutcome, error)
}

// Func adapts a plain function to Runner. Used for in-process execution when
// the store is memory-backed: a child process would open its own empty store
// and see no session, articles, or budget ledger at all, so isolation is
// traded away for a working dev mode.
type Func func(ctx context.Context, sessionID, articleID string) (*types.ItemOutcome, error)

// Run implements Runner.
func (f Func) Run(ctx context.Context, sessionID, articleID string) (*types.ItemOutcome, error) {
	return f(ctx, sessionID, articleID)
}

// ProcessConfig configures a ProcessRunner.
type ProcessConfig struct {
	// Binary is the executable to spawn. Defaults to the current binary.
	Binary string
	// ConfigPath is forwarded to the child via --config when set.
	ConfigPath string
	// Timeout kills a child that stops making progress.
	Timeout time.Duration
	// MaxOutputRetries re-runs the child when its output cannot be decoded.
	MaxOutputRetries int
	Logger           *slog.Logger
}

// ProcessRunner spawns a child process per item. The child runs the same
// binary's analyze-item command and writes a JSON outcome to stdout.
//
// Exit contract: the child exits 0 whenever it produced an outcome, even a
// failed one. A non-zero exit means the child itself broke.
type ProcessRunner struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

// NewProcessRunner creates a process runner.
func NewProcessRunner(cfg ProcessConfig) (*ProcessRunner, error) {
	if cfg.Binary == "" {
		bin, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Binary = bin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxOutputRetries < 0 {
		cfg.MaxOutputRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{cfg: cfg, logger: logger}, nil
}

// Run implements Runner. Decode failures are retried with a fresh child up
// to MaxOutputRetries; once exhausted the item is flagged for manual review
// rather than surfaced as an error.
func (r *ProcessRunner) Run(ctx context.Context, sessionID, articleID string) (*types.ItemOutcome, error) {
	var out *types.ItemOutcome

	err := retry.Do(
		func() error {
			var err error
			out, err = r.runOnce(ctx, sessionID, articleID)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.cfg.MaxOutputRetries)+1),
		retry.Delay(200*time.Millisecond),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrSerialization) }),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, ErrSerialization) {
		r.logger.Warn("task output unusable after retries",
			"session_id", sessionID, "article_id", articleID, "error", err)
		return badOutputOutcome(articleID, err), nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ProcessRunner) runOnce(ctx context.Context, sessionID, articleID string) (*types.ItemOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := []string{"analyze-item", "--session", sessionID, "--article", articleID}
	if r.cfg.ConfigPath != "" {
		args = append(args, "--config", r.cfg.ConfigPath)
	}

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		// CommandContext already killed the child.
		r.logger.Warn("task timed out", "article_id", articleID, "timeout", r.cfg.Timeout)
		return &types.ItemOutcome{
			ArticleID:            articleID,
			RequiresManualReview: true,
			ReviewReason:         types.ReviewAgentError,
			Error:                fmt.Sprintf("task exceeded %s liveness timeout", r.cfg.Timeout),
		}, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			r.logger.Warn("task process failed",
				"article_id", articleID, "exit_code", exitErr.ExitCode(),
				"stderr", truncate(stderr.String(), 500), "duration", elapsed)
			return &types.ItemOutcome{
				ArticleID:            articleID,
				RequiresManualReview: true,
				ReviewReason:         types.ReviewAgentError,
				Error:                fmt.Sprintf("task process exited %d: %s", exitErr.ExitCode(), truncate(stderr.String(), 200)),
			}, nil
		}
		return nil, fmt.Errorf("spawn task process: %w", runErr)
	}

	return DecodeOutcome(stdout.Bytes(), articleID)
}

// DecodeOutcome parses a child's stdout into an outcome. It tolerates log
// noise before the JSON document but insists the outcome matches the item
// it was asked about.
func DecodeOutcome(raw []byte, articleID string) (*types.ItemOutcome, error) {
	payload := extractJSON(raw)
	if payload == nil {
		return nil, fmt.Errorf("%w: no JSON document in %d bytes of output", ErrSerialization, len(raw))
	}

	var out types.ItemOutcome
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if out.ArticleID != articleID {
		return nil, fmt.Errorf("%w: outcome for %q, expected %q", ErrSerialization, out.ArticleID, articleID)
	}
	if !out.Success && out.Error == "" && !out.RequiresManualReview {
		return nil, fmt.Errorf("%w: failed outcome carries no error", ErrSerialization)
	}
	return &out, nil
}

// extractJSON returns the first top-level JSON object in raw, or nil.
func extractJSON(raw []byte) []byte {
	start := bytes.IndexByte(raw, '{')
	if start < 0 {
		return nil
	}
	end := bytes.LastIndexByte(raw, '}')
	if end < start {
		return nil
	}
	return raw[start : end+1]
}

func badOutputOutcome(articleID string, err error) *types.ItemOutcome {
	return &types.ItemOutcome{
		ArticleID:            articleID,
		RequiresManualReview: true,
		ReviewReason:         types.ReviewBadOutput,
		Error:                err.Error(),
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
