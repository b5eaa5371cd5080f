// Package config loads taskpilot configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, and TASKPILOT_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete taskpilot configuration.
type Config struct {
	Engine        EngineConfig        `koanf:"engine"`
	Context       ContextConfig       `koanf:"context"`
	Memory        MemoryConfig        `koanf:"memory"`
	Store         StoreConfig         `koanf:"store"`
	Ledger        LedgerConfig        `koanf:"ledger"`
	Decision      DecisionConfig      `koanf:"decision"`
	Execution     ExecutionConfig     `koanf:"execution"`
	Events        EventsConfig        `koanf:"events"`
	Redaction     RedactionConfig     `koanf:"redaction"`
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
}

// EngineConfig bounds a run.
type EngineConfig struct {
	MaxRetries             int      `koanf:"max_retries"`
	AttemptTimeout         Duration `koanf:"attempt_timeout"`
	MaxIterations          int      `koanf:"max_iterations"`
	MaxConsecutiveFailures int      `koanf:"max_consecutive_failures"`
	Mode                   string   `koanf:"mode"`
}

// ContextConfig controls prompt compaction.
type ContextConfig struct {
	MaxRecentMessages int    `koanf:"max_recent_messages"`
	SummaryThreshold  int    `koanf:"summary_threshold"`
	Summarizer        string `koanf:"summarizer"`
}

// MemoryConfig bounds the in-process memory tiers.
type MemoryConfig struct {
	WorkingMaxItems   int      `koanf:"working_max_items"`
	WorkingDefaultTTL Duration `koanf:"working_default_ttl"`
	MaxMessages       int      `koanf:"max_messages"`
	MaxFacts          int      `koanf:"max_facts"`
	FactIndex         bool     `koanf:"fact_index"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	Driver        string `koanf:"driver"`
	DSN           string `koanf:"dsn"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword Secret `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// LedgerConfig selects the task ledger backend.
type LedgerConfig struct {
	Driver string `koanf:"driver"`
}

// DecisionConfig configures the language model behind planning.
type DecisionConfig struct {
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"`
	APIKey      Secret  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
	RateLimit   float64 `koanf:"rate_limit"`
	Burst       int     `koanf:"burst"`
}

// ExecutionConfig points at the action runner.
type ExecutionConfig struct {
	Transport string `koanf:"transport"`
	URL       string `koanf:"url"`
	Subject   string `koanf:"subject"`
}

// EventsConfig configures step event publishing. An empty NATSURL
// disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// RedactionConfig controls secret scrubbing of stored text.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds service identity for telemetry.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// LoggingConfig is the file-facing subset of logging.Config.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
	OTEL     bool   `koanf:"otel"`
}

// TelemetryConfig is the file-facing subset of telemetry.Config.
type TelemetryConfig struct {
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRetries:             3,
			AttemptTimeout:         Duration(60 * time.Second),
			MaxIterations:          50,
			MaxConsecutiveFailures: 5,
			Mode:                   "linear",
		},
		Context: ContextConfig{
			MaxRecentMessages: 6,
			SummaryThreshold:  10,
			Summarizer:        "rule",
		},
		Memory: MemoryConfig{
			WorkingMaxItems:   100,
			WorkingDefaultTTL: Duration(30 * time.Minute),
			MaxMessages:       200,
			MaxFacts:          1000,
			FactIndex:         true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "~/.local/share/taskpilot/taskpilot.db",
		},
		Ledger: LedgerConfig{Driver: "memory"},
		Decision: DecisionConfig{
			Provider:    "anthropic",
			Temperature: 0.2,
			MaxTokens:   2048,
			RateLimit:   1,
			Burst:       2,
		},
		Execution: ExecutionConfig{
			Transport: "http",
			URL:       "http://localhost:8787",
			Subject:   "taskpilot.exec.run",
		},
		Events:    EventsConfig{SubjectPrefix: "taskpilot"},
		Redaction: RedactionConfig{Enabled: true},
		Server: ServerConfig{
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{ServiceName: "taskpilot"},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
		},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			Protocol:   "grpc",
			Insecure:   true,
			SampleRate: 1,
		},
	}
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}

func positive(key string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", key, v)
	}
	return nil
}

// Validate rejects out-of-range values. Errors name the offending key.
func (c *Config) Validate() error {
	checks := []error{
		positive("engine.max_retries", c.Engine.MaxRetries),
		positive("engine.max_iterations", c.Engine.MaxIterations),
		positive("engine.max_consecutive_failures", c.Engine.MaxConsecutiveFailures),
		oneOf("engine.mode", c.Engine.Mode, "linear", "graph"),
		positive("context.max_recent_messages", c.Context.MaxRecentMessages),
		positive("context.summary_threshold", c.Context.SummaryThreshold),
		oneOf("context.summarizer", c.Context.Summarizer, "rule", "llm"),
		positive("memory.working_max_items", c.Memory.WorkingMaxItems),
		positive("memory.max_messages", c.Memory.MaxMessages),
		positive("memory.max_facts", c.Memory.MaxFacts),
		oneOf("store.driver", c.Store.Driver, "memory", "sqlite", "redis"),
		oneOf("ledger.driver", c.Ledger.Driver, "memory", "sqlite"),
		oneOf("decision.provider", c.Decision.Provider, "anthropic", "openai"),
		positive("decision.max_tokens", c.Decision.MaxTokens),
		positive("decision.burst", c.Decision.Burst),
		oneOf("execution.transport", c.Execution.Transport, "http", "nats"),
		oneOf("logging.format", c.Logging.Format, "json", "console"),
		oneOf("telemetry.protocol", c.Telemetry.Protocol, "grpc", "http/protobuf"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	switch {
	case c.Engine.AttemptTimeout.Duration() <= 0:
		return fmt.Errorf("engine.attempt_timeout must be positive")
	case c.Memory.WorkingDefaultTTL.Duration() <= 0:
		return fmt.Errorf("memory.working_default_ttl must be positive")
	case c.Decision.Temperature < 0 || c.Decision.Temperature > 2:
		return fmt.Errorf("decision.temperature must be between 0 and 2, got %g", c.Decision.Temperature)
	case c.Decision.RateLimit <= 0:
		return fmt.Errorf("decision.rate_limit must be positive, got %g", c.Decision.RateLimit)
	case c.Store.Driver == "sqlite" && c.Store.DSN == "":
		return fmt.Errorf("store.dsn is required for the sqlite driver")
	case c.Store.Driver == "redis" && c.Store.RedisAddr == "":
		return fmt.Errorf("store.redis_addr is required for the redis driver")
	case c.Execution.Transport == "http" && c.Execution.URL == "":
		return fmt.Errorf("execution.url is required for the http transport")
	case c.Execution.Transport == "nats" && (c.Execution.Subject == "" || c.Events.NATSURL == ""):
		return fmt.Errorf("execution.subject and events.nats_url are required for the nats transport")
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port)
	case c.Server.ShutdownTimeout.Duration() <= 0:
		return fmt.Errorf("server.shutdown_timeout must be positive")
	case c.Observability.EnableTelemetry && c.Observability.ServiceName == "":
		return fmt.Errorf("observability.service_name is required when telemetry is enabled")
	case c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1:
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %g", c.Telemetry.SampleRate)
	}
	return nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
