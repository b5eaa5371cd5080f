package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Engine.AttemptTimeout.Duration())
	assert.Equal(t, 50, cfg.Engine.MaxIterations)
	assert.Equal(t, 5, cfg.Engine.MaxConsecutiveFailures)
	assert.Equal(t, "linear", cfg.Engine.Mode)
	assert.Equal(t, 6, cfg.Context.MaxRecentMessages)
	assert.Equal(t, 30*time.Minute, cfg.Memory.WorkingDefaultTTL.Duration())
	assert.True(t, cfg.Memory.FactIndex)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.Redaction.Enabled)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "taskpilot.exec.run", cfg.Execution.Subject)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_retries: 5
  attempt_timeout: 15s
  mode: graph
decision:
  provider: openai
  api_key: sk-from-file
memory:
  fact_index: false
`, 0o600)
	t.Setenv("TASKPILOT_ENGINE_MAX_RETRIES", "7")
	t.Setenv("TASKPILOT_SERVER_HTTP_PORT", "8088")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Engine.AttemptTimeout.Duration())
	assert.Equal(t, "graph", cfg.Engine.Mode)
	assert.Equal(t, "openai", cfg.Decision.Provider)
	assert.Equal(t, "sk-from-file", cfg.Decision.APIKey.Value())
	assert.False(t, cfg.Memory.FactIndex)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Engine.MaxIterations)
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_retries: 2\n", 0o644)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "engine:\n  mode: sideways\n", 0o600)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.mode")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"retries", func(c *Config) { c.Engine.MaxRetries = 0 }, "engine.max_retries"},
		{"ceiling", func(c *Config) { c.Engine.MaxConsecutiveFailures = -1 }, "engine.max_consecutive_failures"},
		{"store driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"redis addr", func(c *Config) { c.Store.Driver = "redis" }, "store.redis_addr"},
		{"temperature", func(c *Config) { c.Decision.Temperature = 3 }, "decision.temperature"},
		{"nats transport", func(c *Config) { c.Execution.Transport = "nats" }, "events.nats_url"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.http_port"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "telemetry.sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "engine.max_retries", envKey("TASKPILOT_ENGINE_MAX_RETRIES"))
	assert.Equal(t, "store.redis_password", envKey("TASKPILOT_STORE_REDIS_PASSWORD"))
	assert.Equal(t, "debug", envKey("TASKPILOT_DEBUG"))
}

func TestSecret_NeverMarshalsValue(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")

	b, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(b))

	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", string(text))

	assert.Equal(t, "hunter2", s.Value())
	assert.Empty(t, Secret("").String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandHome("~/data/tp.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "tp.db"), got)

	got, err = ExpandHome("/abs/tp.db")
	require.NoError(t, err)
	assert.Equal(t, "/abs/tp.db", got)
}
