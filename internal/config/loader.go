package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown fields are rejected so typos fail loudly instead of being ignored.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious-but-legal values are logged as warnings, not errors.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// A server with neither engine cannot serve a single stream.
	if cfg.Engine.APIKey == "" && cfg.Transcriber.APIKey == "" {
		errs = append(errs, errors.New("at least one of engine.api_key and transcriber.api_key is required"))
	}

	// Turn detection
	td := cfg.Engine.TurnDetection
	if td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("engine.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}
	if td.PrefixPaddingMs < 0 {
		errs = append(errs, fmt.Errorf("engine.turn_detection.prefix_padding_ms %d must not be negative", td.PrefixPaddingMs))
	}
	if td.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("engine.turn_detection.silence_duration_ms %d must not be negative", td.SilenceDurationMs))
	}

	// Relay timings
	if cfg.Relay.ConnectTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("relay.connect_timeout_ms %d must not be negative", cfg.Relay.ConnectTimeoutMs))
	}
	if cfg.Relay.HangupGraceMs < 0 {
		errs = append(errs, fmt.Errorf("relay.hangup_grace_ms %d must not be negative", cfg.Relay.HangupGraceMs))
	}
	if g := cfg.Relay.HangupGraceMs; g > 0 && g < 1000 {
		slog.Warn("relay.hangup_grace_ms is very short; farewell audio may be cut off", "hangup_grace_ms", g)
	}

	// Call directory policy
	if cfg.Calls.AllowUnknown && cfg.Calls.Token == "" {
		slog.Warn("calls.allow_unknown is enabled without calls.token; any caller can reach the agent")
	}
	if cfg.Engine.APIKey == "" && cfg.Calls.DefaultInstructions != "" {
		slog.Warn("calls.default_instructions is set but engine.api_key is empty; calls will fall back to transcription")
	}
	if cfg.Engine.APIKey != "" && cfg.Calls.DefaultInstructions == "" && cfg.Storage.PostgresDSN == "" {
		slog.Warn("no default instructions and no database directory; calls fall back to transcription until records are provisioned")
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; transcripts will be logged but not stored")
	}

	return errors.Join(errs...)
}
