package config

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			URL: "",
		},
		Budget: BudgetConfig{
			DailyBudgetUSD:    25.00,
			DefaultBatchSize:  10,
			Stage1EstimateUSD: 0.02,
			Stage2EstimateUSD: 0.05,
		},
		Analysis: AnalysisConfig{
			MinSignalConfidence:      0.3,
			MaxSearchesPerValidation: 3,
			MaxCapabilityRetries:     3,
		},
		OpenAI: OpenAIConfig{
			APIKey:          "${OPENAI_API_KEY}",
			Model:           "gpt-4o-mini",
			RPM:             120,
			TimeoutSeconds:  120,
			InputCostPer1M:  0.15,
			OutputCostPer1M: 0.60,
		},
		Runner: RunnerConfig{
			Mode:             "process",
			TimeoutSeconds:   300,
			MaxOutputRetries: 2,
			Image:            "foresight:latest",
		},
		Dispatch: DispatchConfig{
			Workers:             4,
			PollIntervalSeconds: 5,
		},
	}
}
