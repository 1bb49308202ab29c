package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mkowalski/foresight/internal/types"
)

const (
	// DefaultImage ships the same binary the parent runs.
	DefaultImage = "foresight/worker:latest"
	taskLabel    = "foresight-task"
)

// DockerConfig configures a DockerRunner.
type DockerConfig struct {
	Image string
	// Env is passed into each task container (database URL, API keys).
	Env              []string
	Timeout          time.Duration
	MaxOutputRetries int
	Logger           *slog.Logger
}

// DockerRunner runs each item in a disposable container. Stronger isolation
// than a child process at the cost of container churn; meant for untrusted
// or resource-hungry capability backends.
type DockerRunner struct {
	cli    *client.Client
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerRunner creates a docker runner and verifies the daemon is up.
func NewDockerRunner(ctx context.Context, cfg DockerConfig) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker is not running: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{cli: cli, cfg: cfg, logger: logger}, nil
}

// Close closes the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run implements Runner.
func (r *DockerRunner) Run(ctx context.Context, sessionID, articleID string) (*types.ItemOutcome, error) {
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
		r.logger.Warn("container output unusable after retries",
			"session_id", sessionID, "article_id", articleID, "error", err)
		return badOutputOutcome(articleID, err), nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *DockerRunner) runOnce(ctx context.Context, sessionID, articleID string) (*types.ItemOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.ensureImage(ctx); err != nil {
		return nil, err
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  r.cfg.Image,
			Cmd:    []string{"analyze-item", "--session", sessionID, "--article", articleID},
			Env:    r.cfg.Env,
			Labels: map[string]string{taskLabel: "true"},
		},
		&container.HostConfig{AutoRemove: false}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create task container: %w", err)
	}
	defer func() {
		_ = r.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start task container: %w", err)
	}

	exitCode, waitErr := r.waitForExit(ctx, resp.ID)
	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			r.logger.Warn("task container timed out", "article_id", articleID, "timeout", r.cfg.Timeout)
			return &types.ItemOutcome{
				ArticleID:            articleID,
				RequiresManualReview: true,
				ReviewReason:         types.ReviewAgentError,
				Error:                fmt.Sprintf("task exceeded %s liveness timeout", r.cfg.Timeout),
			}, nil
		}
		return nil, waitErr
	}

	stdout, stderr, err := r.containerOutput(ctx, resp.ID)
	if err != nil {
		return nil, err
	}

	if exitCode != 0 {
		r.logger.Warn("task container failed",
			"article_id", articleID, "exit_code", exitCode, "stderr", truncate(string(stderr), 500))
		return &types.ItemOutcome{
			ArticleID:            articleID,
			RequiresManualReview: true,
			ReviewReason:         types.ReviewAgentError,
			Error:                fmt.Sprintf("task container exited %d: %s", exitCode, truncate(string(stderr), 200)),
		}, nil
	}

	return DecodeOutcome(stdout, articleID)
}

func (r *DockerRunner) waitForExit(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, fmt.Errorf("wait for task container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return 0, fmt.Errorf("task container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *DockerRunner) containerOutput(ctx context.Context, containerID string) (stdout, stderr []byte, err error) {
	logs, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read task container logs: %w", err)
	}
	defer logs.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, logs); err != nil {
		return nil, nil, fmt.Errorf("demux task container logs: %w", err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

func (r *DockerRunner) ensureImage(ctx context.Context) error {
	_, err := r.cli.ImageInspect(ctx, r.cfg.Image)
	if err == nil {
		return nil
	}

	reader, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull task image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}
