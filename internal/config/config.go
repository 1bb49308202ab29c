// Package config loads and hot-reloads service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the explicit configuration value passed into constructors.
// There is no process-wide mutable settings object; components receive the
// fields they need at construction time.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Budget   BudgetConfig   `mapstructure:"budget" yaml:"budget"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	OpenAI   OpenAIConfig   `mapstructure:"openai" yaml:"openai"`
	Runner   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// URL is a Postgres connection string. Empty selects the in-memory
	// store (dev/test mode).
	URL string `mapstructure:"url" yaml:"url"`
}

// BudgetConfig bounds spending.
type BudgetConfig struct {
	DailyBudgetUSD   float64 `mapstructure:"daily_budget_usd" yaml:"daily_budget_usd"`
	DefaultBatchSize int     `mapstructure:"default_batch_size" yaml:"default_batch_size"`

	// Per-call estimates reserved before invoking each stage.
	Stage1EstimateUSD float64 `mapstructure:"stage1_estimate_usd" yaml:"stage1_estimate_usd"`
	Stage2EstimateUSD float64 `mapstructure:"stage2_estimate_usd" yaml:"stage2_estimate_usd"`
}

// AnalysisConfig tunes the two-stage pipeline.
type AnalysisConfig struct {
	MinSignalConfidence      float64 `mapstructure:"min_signal_confidence" yaml:"min_signal_confidence"`
	MaxSearchesPerValidation int     `mapstructure:"max_searches_per_validation" yaml:"max_searches_per_validation"`
	MaxCapabilityRetries     int     `mapstructure:"max_capability_retries" yaml:"max_capability_retries"`
}

// OpenAIConfig configures the capability client.
type OpenAIConfig struct {
	APIKey          string  `mapstructure:"api_key" yaml:"api_key"`
	Model           string  `mapstructure:"model" yaml:"model"`
	RPM             int     `mapstructure:"rpm" yaml:"rpm"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	InputCostPer1M  float64 `mapstructure:"input_cost_per_1m" yaml:"input_cost_per_1m"`
	OutputCostPer1M float64 `mapstructure:"output_cost_per_1m" yaml:"output_cost_per_1m"`
}

// RunnerConfig controls per-item execution isolation.
type RunnerConfig struct {
	// Mode is "process" (fresh child process per item) or "docker"
	// (disposable container per item).
	Mode string `mapstructure:"mode" yaml:"mode"`

	// TimeoutSeconds is the external liveness timeout for one item. A hung
	// child is killed so it cannot starve the record claim.
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`

	// MaxOutputRetries bounds retries when the child's serialized result
	// cannot be parsed.
	MaxOutputRetries int `mapstructure:"max_output_retries" yaml:"max_output_retries"`

	// Docker mode settings.
	Image string `mapstructure:"image" yaml:"image"`
}

// DispatchConfig controls the record dispatch loop.
type DispatchConfig struct {
	Workers             int `mapstructure:"workers" yaml:"workers"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
}

// Timeout returns the runner liveness timeout as a duration.
func (r RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("database", defaults.Database)
	viper.SetDefault("budget", defaults.Budget)
	viper.SetDefault("analysis", defaults.Analysis)
	viper.SetDefault("openai", defaults.OpenAI)
	viper.SetDefault("runner", defaults.Runner)
	viper.SetDefault("dispatch", defaults.Dispatch)

	viper.SetEnvPrefix("FORESIGHT")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.foresight")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. Budget ceilings and
// confidence thresholds picked up here apply to sessions planned afterward.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Foresight configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
