// Package config provides configuration loading and management for mason.
package config

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"   mapstructure:"gateway"`
	Budgets   Budgets         `json:"budgets"   mapstructure:"budgets"`
	Sampling  SamplingConfig  `json:"sampling"  mapstructure:"sampling"`
	Executor  ExecutorConfig  `json:"executor"  mapstructure:"executor"`
	Retention RetentionPolicy `json:"retention" mapstructure:"retention"`
}

// GatewayConfig describes the inference backend.
type GatewayConfig struct {
	BaseURL       string `json:"base_url,omitempty"       mapstructure:"base_url"`
	Model         string `json:"model,omitempty"          mapstructure:"model"`
	APIKeyEnv     string `json:"api_key_env,omitempty"    mapstructure:"api_key_env"`
	ContextWindow int    `json:"context_window,omitempty" mapstructure:"context_window"`
	MaxTokens     int    `json:"max_tokens,omitempty"     mapstructure:"max_tokens"`
}

// Budgets defines run limits.
type Budgets struct {
	MaxIterations  int `json:"max_iterations"            mapstructure:"max_iterations"`
	StuckWindow    int `json:"stuck_window,omitempty"    mapstructure:"stuck_window"`
	MemoryTokens   int `json:"memory_tokens,omitempty"   mapstructure:"memory_tokens"`
	EvidenceTokens int `json:"evidence_tokens,omitempty" mapstructure:"evidence_tokens"`
}

// SamplingConfig controls multi-wave test-file candidate generation.
type SamplingConfig struct {
	Wave1       []float64 `json:"wave1,omitempty"       mapstructure:"wave1"`
	Wave2       []float64 `json:"wave2,omitempty"       mapstructure:"wave2"`
	Parallelism int       `json:"parallelism,omitempty" mapstructure:"parallelism"`
}

// ExecutorConfig controls how workspace commands run.
type ExecutorConfig struct {
	Python            string `json:"python,omitempty"              mapstructure:"python"`
	CommandTimeoutSec int    `json:"command_timeout_sec,omitempty" mapstructure:"command_timeout_sec"`
	TestTimeoutSec    int    `json:"test_timeout_sec,omitempty"    mapstructure:"test_timeout_sec"`
}

// RetentionPolicy defines how many old runs to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Model:         "gpt-4o-mini",
			APIKeyEnv:     "OPENAI_API_KEY",
			ContextWindow: 16384,
			MaxTokens:     4096,
		},
		Budgets: Budgets{
			MaxIterations:  8,
			StuckWindow:    3,
			MemoryTokens:   2048,
			EvidenceTokens: 4096,
		},
		Sampling: SamplingConfig{
			Wave1:       []float64{0.3, 0.6, 0.8, 1.0},
			Wave2:       []float64{0.2, 0.5, 0.7, 0.9},
			Parallelism: 4,
		},
		Executor: ExecutorConfig{
			Python:            "python3",
			CommandTimeoutSec: 60,
			TestTimeoutSec:    60,
		},
		Retention: RetentionPolicy{
			KeepLast: 10,
		},
	}
}
