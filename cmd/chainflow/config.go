package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/rendis/chainflow/internal/engine"
)

// Config holds all chainflow configuration.
// Priority: CHAINFLOW_* env vars > config file > defaults.
type Config struct {
	// DBPath is the libSQL database file. Empty keeps everything in memory.
	DBPath             string               `json:"db_path"`
	LogLevel           string               `json:"log_level" default:"info" validate:"oneof=debug info warn error"`
	PoolSize           int                  `json:"pool_size" default:"10" validate:"min=1"`
	DefaultMaxParallel int                  `json:"default_max_parallel" validate:"min=0"`
	MaxLoopIterations  int                  `json:"max_loop_iterations" default:"1000" validate:"min=1"`
	ExpressionLanguage string               `json:"expression_language" default:"cel" validate:"oneof=cel expr"`
	CircuitBreaker     CircuitBreakerConfig `json:"circuit_breaker"`
	EventBuffer        int                  `json:"event_buffer" default:"256" validate:"min=1"`
}

// CircuitBreakerConfig tunes the per-target connector circuit breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" default:"5" validate:"min=1"`
	Cooldown         time.Duration `json:"cooldown" default:"30s" validate:"gt=0"`
	HalfOpenMax      int           `json:"half_open_max" default:"1" validate:"min=1"`
}

// envKeys maps environment variables to config paths.
var envKeys = map[string][]string{
	"CHAINFLOW_DB_PATH":                           {"db_path"},
	"CHAINFLOW_LOG_LEVEL":                         {"log_level"},
	"CHAINFLOW_POOL_SIZE":                         {"pool_size"},
	"CHAINFLOW_DEFAULT_MAX_PARALLEL":              {"default_max_parallel"},
	"CHAINFLOW_MAX_LOOP_ITERATIONS":               {"max_loop_iterations"},
	"CHAINFLOW_EXPRESSION_LANGUAGE":               {"expression_language"},
	"CHAINFLOW_EVENT_BUFFER":                      {"event_buffer"},
	"CHAINFLOW_CIRCUIT_BREAKER_FAILURE_THRESHOLD": {"circuit_breaker", "failure_threshold"},
	"CHAINFLOW_CIRCUIT_BREAKER_COOLDOWN":          {"circuit_breaker", "cooldown"},
	"CHAINFLOW_CIRCUIT_BREAKER_HALF_OPEN_MAX":     {"circuit_breaker", "half_open_max"},
}

var validate = validator.New()

func chainflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainflow"
	}
	return filepath.Join(home, ".chainflow")
}

// settingsPath is the config file read when --config is not given.
func settingsPath() string {
	return filepath.Join(chainflowDir(), "config.yaml")
}

// loadConfig builds the configuration from defaults, the file at path and
// the environment. An empty path falls back to settingsPath, which may be
// missing; an explicit path must exist.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return cfg, fmt.Errorf("apply config defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := decodeConfig(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := decodeConfig(envLayer(getenv), &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envLayer collects the CHAINFLOW_* variables that are set into a nested map
// shaped like the config file.
func envLayer(getenv func(string) string) map[string]any {
	out := map[string]any{}
	for key, path := range envKeys {
		v := getenv(key)
		if v == "" {
			continue
		}
		m := out
		for _, p := range path[:len(path)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[path[len(path)-1]] = v
	}
	return out
}

// decodeConfig overlays raw onto cfg. Durations may be given as strings
// ("30s"); numbers arriving as strings are converted.
func decodeConfig(raw map[string]any, cfg *Config) error {
	if len(raw) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "json",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return decoder.Decode(raw)
}

func validateConfig(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// engineConfig converts the settings the engine consumes.
func (c Config) engineConfig() engine.Config {
	return engine.Config{
		PoolSize:           c.PoolSize,
		DefaultMaxParallel: c.DefaultMaxParallel,
		MaxLoopIterations:  c.MaxLoopIterations,
		ExpressionLanguage: c.ExpressionLanguage,
		CircuitBreaker: engine.CircuitBreakerConfig{
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			Cooldown:         c.CircuitBreaker.Cooldown,
			HalfOpenMax:      c.CircuitBreaker.HalfOpenMax,
		},
	}
}
