package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 1000, cfg.MaxLoopIterations)
	assert.Equal(t, "cel", cfg.ExpressionLanguage)
	assert.Equal(t, 256, cfg.EventBuffer)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.Cooldown)
	assert.Empty(t, cfg.DBPath)
}

func TestLoadConfig_FileLayer(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
pool_size: 4
expression_language: expr
circuit_breaker:
  failure_threshold: 2
  cooldown: 10s
`)
	cfg, err := loadConfig(path, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "expr", cfg.ExpressionLanguage)
	assert.Equal(t, 2, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.CircuitBreaker.Cooldown)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1, cfg.CircuitBreaker.HalfOpenMax)
	assert.Equal(t, 1000, cfg.MaxLoopIterations)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "pool_size: 4\nlog_level: debug\n")
	cfg, err := loadConfig(path, envOf(map[string]string{
		"CHAINFLOW_POOL_SIZE":                "16",
		"CHAINFLOW_CIRCUIT_BREAKER_COOLDOWN": "1m",
		"CHAINFLOW_DB_PATH":                  "/tmp/chainflow.db",
	}))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.CircuitBreaker.Cooldown)
	assert.Equal(t, "/tmp/chainflow.db", cfg.DBPath)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		env     map[string]string
		wantErr string
	}{
		{name: "bad log level", body: "log_level: loud\n", wantErr: "LogLevel"},
		{name: "zero pool", body: "pool_size: 0\n", wantErr: "PoolSize"},
		{name: "bad language", env: map[string]string{"CHAINFLOW_EXPRESSION_LANGUAGE": "lua"}, wantErr: "ExpressionLanguage"},
		{name: "unknown key", body: "pool: 3\n", wantErr: "pool"},
		{name: "bad duration", body: "circuit_breaker:\n  cooldown: soon\n", wantErr: "cooldown"},
		{name: "not yaml", body: "pool_size: [\n", wantErr: "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := loadConfig(path, envOf(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestEngineConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "default_max_parallel: 3\n"), noEnv)
	require.NoError(t, err)

	ec := cfg.engineConfig()
	assert.Equal(t, 3, ec.DefaultMaxParallel)
	assert.Equal(t, cfg.PoolSize, ec.PoolSize)
	assert.Equal(t, cfg.CircuitBreaker.Cooldown, ec.CircuitBreaker.Cooldown)
}
