package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Empty(t, cfg.Database.URL, "default is the in-memory store")
	assert.Equal(t, 25.00, cfg.Budget.DailyBudgetUSD)
	assert.Equal(t, 10, cfg.Budget.DefaultBatchSize)
	assert.Equal(t, 0.3, cfg.Analysis.MinSignalConfidence)
	assert.Equal(t, "process", cfg.Runner.Mode)
	assert.Equal(t, "${OPENAI_API_KEY}", cfg.OpenAI.APIKey,
		"keys ship as env references, never literals")
}

func TestRunnerTimeout(t *testing.T) {
	r := RunnerConfig{TimeoutSeconds: 300}
	assert.Equal(t, 5*time.Minute, r.Timeout())
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("FORESIGHT_TEST_KEY", "sk-secret")
	t.Setenv("FORESIGHT_TEST_HOST", "db.internal")

	cases := []struct {
		in   string
		want string
	}{
		{"${FORESIGHT_TEST_KEY}", "sk-secret"},
		{"postgres://u:p@${FORESIGHT_TEST_HOST}:5432/db", "postgres://u:p@db.internal:5432/db"},
		{"no refs here", "no refs here"},
		{"", ""},
		{"${FORESIGHT_TEST_UNSET}", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ResolveEnvVars(c.in))
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "daily_budget_usd: 25")
	assert.Contains(t, string(data), "${OPENAI_API_KEY}")

	m, err := NewManager(path)
	require.NoError(t, err)
	cfg := m.Get()
	assert.Equal(t, DefaultConfig().Budget.DailyBudgetUSD, cfg.Budget.DailyBudgetUSD)
	assert.Equal(t, DefaultConfig().Runner.Mode, cfg.Runner.Mode)
}

func TestManagerReadsOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	override := `budget:
  daily_budget_usd: 3.50
  default_batch_size: 2
runner:
  mode: docker
  image: foresight/worker:pinned
`
	require.NoError(t, os.WriteFile(path, []byte(override), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	cfg := m.Get()

	assert.Equal(t, 3.50, cfg.Budget.DailyBudgetUSD)
	assert.Equal(t, 2, cfg.Budget.DefaultBatchSize)
	assert.Equal(t, "docker", cfg.Runner.Mode)
	assert.Equal(t, "foresight/worker:pinned", cfg.Runner.Image)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.3, cfg.Analysis.MinSignalConfidence)
}
