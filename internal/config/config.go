// Package config loads the polymath configuration file. Values go through
// environment expansion before parsing, so secrets stay out of the file:
//
//	llm:
//	  provider: anthropic
//	  api_key: ${ANTHROPIC_API_KEY}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Storage  StorageConfig  `yaml:"storage"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Research ResearchConfig `yaml:"research"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// MaxTokens bounds each response. 0 uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// SystemPrompt overrides the built-in assistant prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// StorageConfig selects session and job persistence.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Ignored for memory.
	Path string `yaml:"path"`

	// SessionTTL prunes sessions idle longer than this. 0 disables.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// JobTTL prunes terminal jobs older than this. 0 disables.
	JobTTL time.Duration `yaml:"job_ttl"`
}

// WorkflowConfig tunes background job execution.
type WorkflowConfig struct {
	// MaxAttempts bounds executions per step, first try included.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryInitial is the first retry delay.
	RetryInitial time.Duration `yaml:"retry_initial"`

	// RetryMax caps the retry delay.
	RetryMax time.Duration `yaml:"retry_max"`
}

// ResearchConfig tunes the research workflow.
type ResearchConfig struct {
	MaxQueries      int `yaml:"max_queries"`
	SourcesPerQuery int `yaml:"sources_per_query"`
}

// ToolsConfig configures individual tools.
type ToolsConfig struct {
	RunCode RunCodeConfig `yaml:"run_code"`
}

// RunCodeConfig configures the code execution tool.
type RunCodeConfig struct {
	// Enabled toggles tool registration.
	Enabled bool `yaml:"enabled"`

	// Python overrides the interpreter binary.
	Python string `yaml:"python"`

	// Timeout bounds a single execution.
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`

	// RedactPatterns adds extra substrings to redact beyond the built-in
	// API key patterns.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			APIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			Path:       "polymath.db",
			SessionTTL: 30 * 24 * time.Hour,
			JobTTL:     7 * 24 * time.Hour,
		},
		Workflow: WorkflowConfig{
			MaxAttempts:  3,
			RetryInitial: time.Second,
			RetryMax:     30 * time.Second,
		},
		Research: ResearchConfig{
			MaxQueries:      3,
			SourcesPerQuery: 3,
		},
		Tools: ToolsConfig{
			RunCode: RunCodeConfig{
				Enabled: true,
				Timeout: 60 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file at path, expands environment references, and merges
// it over the defaults. Unknown keys are rejected so typos surface at
// startup instead of silently using defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("sqlite storage requires a path")
	}
	if c.Workflow.MaxAttempts < 1 {
		return errors.New("workflow max_attempts must be at least 1")
	}
	return nil
}
