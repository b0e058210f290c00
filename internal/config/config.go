// Package config holds the worldtree configuration: YAML file with defaults,
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"worldtree/internal/cost"
)

// Config holds all worldtree configuration.
type Config struct {
	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Generation defaults
	Generation GenerationConfig `yaml:"generation"`

	// Limits on generation parameters
	Limits LimitsConfig `yaml:"limits"`

	// Output settings
	Output OutputConfig `yaml:"output"`

	// Per-model pricing overrides (USD per million tokens)
	Pricing map[string]map[string]PricingEntry `yaml:"pricing"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the provider clients.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// Optional fallback for transient failures and missing models
	FallbackProvider string `yaml:"fallback_provider"`
	FallbackModel    string `yaml:"fallback_model"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// GenerationConfig sets the default run shape.
type GenerationConfig struct {
	NumActors     int  `yaml:"num_actors"`     // breadth at level 0
	NumSubactors  int  `yaml:"num_subactors"`  // breadth at deeper levels
	TargetDepth   int  `yaml:"target_depth"`   // deepest level to generate
	MaxConcurrent int  `yaml:"max_concurrent"` // in-flight API calls per level
	MaxAttempts   int  `yaml:"max_attempts"`   // retry budget per node
	SkipOnError   bool `yaml:"skip_on_error"`  // exhausted node skips instead of aborting
	NumParameters int  `yaml:"num_parameters"` // parameters per actor in the params pass
}

// LimitsConfig bounds what a run may request.
type LimitsConfig struct {
	MinActors    int `yaml:"min_actors"`
	MaxActors    int `yaml:"max_actors"`
	MinSubactors int `yaml:"min_subactors"`
	MaxSubactors int `yaml:"max_subactors"`
	MinDepth     int `yaml:"min_depth"`
	MaxDepth     int `yaml:"max_depth"`
	MinParams    int `yaml:"min_params"`
	MaxParams    int `yaml:"max_params"`
}

// OutputConfig configures where runs are persisted.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// PricingEntry is one model's USD-per-million-token rates.
type PricingEntry struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-3-5-sonnet-latest",
			Timeout:     "60s",
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Generation: GenerationConfig{
			NumActors:     10,
			NumSubactors:  8,
			TargetDepth:   2,
			MaxConcurrent: 5,
			MaxAttempts:   3,
			SkipOnError:   true,
			NumParameters: 20,
		},
		Limits: LimitsConfig{
			MinActors:    1,
			MaxActors:    200,
			MinSubactors: 1,
			MaxSubactors: 20,
			MinDepth:     0,
			MaxDepth:     10,
			MinParams:    1,
			MaxParams:    100,
		},
		Output: OutputConfig{
			Dir: "runs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. The provider key
// is never required in the file; the matching env var wins when present.
func (c *Config) applyEnvOverrides() {
	keyVar := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"gemini":    "GEMINI_API_KEY",
	}
	if v, ok := keyVar[c.LLM.Provider]; ok {
		if key := os.Getenv(v); key != "" {
			c.LLM.APIKey = key
		}
	}

	if dir := os.Getenv("WORLDTREE_OUTPUT_DIR"); dir != "" {
		c.Output.Dir = dir
	}
	if level := os.Getenv("WORLDTREE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the generation shape against the configured limits.
func (c *Config) Validate() error {
	g, l := c.Generation, c.Limits
	if g.NumActors < l.MinActors || g.NumActors > l.MaxActors {
		return fmt.Errorf("num_actors %d outside [%d, %d]", g.NumActors, l.MinActors, l.MaxActors)
	}
	if g.NumSubactors < l.MinSubactors || g.NumSubactors > l.MaxSubactors {
		return fmt.Errorf("num_subactors %d outside [%d, %d]", g.NumSubactors, l.MinSubactors, l.MaxSubactors)
	}
	if g.TargetDepth < l.MinDepth || g.TargetDepth > l.MaxDepth {
		return fmt.Errorf("target_depth %d outside [%d, %d]", g.TargetDepth, l.MinDepth, l.MaxDepth)
	}
	if g.NumParameters < l.MinParams || g.NumParameters > l.MaxParams {
		return fmt.Errorf("num_parameters %d outside [%d, %d]", g.NumParameters, l.MinParams, l.MaxParams)
	}
	if g.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", g.MaxConcurrent)
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "gemini":
	default:
		return fmt.Errorf("unknown provider: %s", c.LLM.Provider)
	}
	return nil
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// Prices merges the pricing overrides onto the built-in table.
func (c *Config) Prices() cost.PriceTable {
	table := cost.DefaultPrices()
	for provider, models := range c.Pricing {
		if table[provider] == nil {
			table[provider] = map[string]cost.ModelPrice{}
		}
		for model, p := range models {
			table[provider][model] = cost.ModelPrice{
				InputPerMTok:  p.InputPerMTok,
				OutputPerMTok: p.OutputPerMTok,
			}
		}
	}
	return table
}
