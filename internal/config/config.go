package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Service   ServiceConfig
	Storage   StorageConfig
	Log       LogConfig
	Stream    StreamConfig
	Pipeline  PipelineConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

// ServiceConfig points at the recognition, narrative and audio service.
type ServiceConfig struct {
	BaseURL string
	APIKey  string
	Voice   string
	Timeout string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type StreamConfig struct {
	ProgressStep  float64
	NarrativeMode string
}

type PipelineConfig struct {
	MaxConcurrent int
}

type TelemetryConfig struct {
	TraceStdout bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Service: ServiceConfig{
			BaseURL: "http://localhost:8080",
			Voice:   "default",
			Timeout: "2m",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Stream: StreamConfig{
			ProgressStep:  5,
			NarrativeMode: "replace",
		},
		Pipeline: PipelineConfig{
			MaxConcurrent: 4,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/docent/config.json, then DOCENT_* environment variables.
// Secrets (service.api_key, server.api_token) come from the environment or
// from $XDG_DATA_HOME/docent/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(name string) (string, error)
}

func loadWith(b ConfigBackend, sec secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := sec.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := time.ParseDuration(c.Service.Timeout); err != nil {
		return fmt.Errorf("invalid service.timeout %q: %w", c.Service.Timeout, err)
	}
	switch c.Stream.NarrativeMode {
	case "replace", "append":
	default:
		return fmt.Errorf("invalid stream.narrative_mode %q: want replace or append", c.Stream.NarrativeMode)
	}
	if c.Stream.ProgressStep <= 0 || c.Stream.ProgressStep > 100 {
		return fmt.Errorf("invalid stream.progress_step %v: want a value in (0, 100]", c.Stream.ProgressStep)
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("invalid pipeline.max_concurrent %d", c.Pipeline.MaxConcurrent)
	}
	return nil
}

// ServiceTimeout returns service.timeout as a duration. Load has already
// validated it.
func (c Config) ServiceTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Service.Timeout)
	return d
}

// RequireServiceKey reports a descriptive error when no service API key is set.
func (c Config) RequireServiceKey() error {
	if c.Service.APIKey != "" {
		return nil
	}
	return fmt.Errorf("missing required config: service API key. " +
		"Set it via environment variable DOCENT_SERVICE_API_KEY or `docent config set service.api_key <key>`")
}

// SlogLevel maps log.level to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
