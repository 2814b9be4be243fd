package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidNames lists the built-in names per selectable component. Used by
// [Validate]: unknown provider names only warn because a caller may register
// its own, unknown device backends are rejected.
var ValidNames = map[string][]string{
	"provider": {"gemini-live"},
	"capture":  {"file"},
	"playback": {"file", "discard"},
}

// WireCaptureRate is the only capture rate the live transport accepts.
const WireCaptureRate = 16000

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateName("provider", cfg.Provider.Name)
	}
	if cfg.Provider.APIKeyEnv == "" && cfg.Provider.APIKeyFile == "" {
		errs = append(errs, errors.New("provider: one of api_key_env or api_key_file is required"))
	}

	// Audio
	c := cfg.Audio.Capture
	if !slices.Contains(ValidNames["capture"], c.Backend) {
		errs = append(errs, fmt.Errorf("audio.capture.backend %q is unknown; valid values: %s", c.Backend, strings.Join(ValidNames["capture"], ", ")))
	}
	if c.Backend == "file" && c.Path == "" {
		errs = append(errs, errors.New("audio.capture.path is required for the file backend"))
	}
	if c.SampleRate != WireCaptureRate {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate must be %d, got %d", WireCaptureRate, c.SampleRate))
	}
	if c.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture.frame_samples must be positive, got %d", c.FrameSamples))
	}

	p := cfg.Audio.Playback
	if !slices.Contains(ValidNames["playback"], p.Backend) {
		errs = append(errs, fmt.Errorf("audio.playback.backend %q is unknown; valid values: %s", p.Backend, strings.Join(ValidNames["playback"], ", ")))
	}
	if p.Backend == "file" && p.Path == "" {
		errs = append(errs, errors.New("audio.playback.path is required for the file backend"))
	}
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback.sample_rate must be positive, got %d", p.SampleRate))
	}
	if p.Period < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.period must not be negative, got %s", p.Period))
	}

	// Session
	s := cfg.Session
	if s.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("session.send_queue must be at least 1, got %d", s.SendQueue))
	}
	if s.MaxConsecutiveSendFailures < 1 {
		errs = append(errs, fmt.Errorf("session.max_consecutive_send_failures must be at least 1, got %d", s.MaxConsecutiveSendFailures))
	}
	if s.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout must be positive, got %s", s.ConnectTimeout))
	}
	if s.CloseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.close_timeout must be positive, got %s", s.CloseTimeout))
	}
	if s.Drain < 0 {
		errs = append(errs, fmt.Errorf("session.drain must not be negative, got %s", s.Drain))
	}

	// Tutor
	if strings.TrimSpace(cfg.Tutor.Subject) == "" {
		errs = append(errs, errors.New("tutor.subject is required"))
	}
	if strings.TrimSpace(cfg.Tutor.Lesson) == "" {
		errs = append(errs, errors.New("tutor.lesson is required"))
	}
	for i, h := range cfg.Tutor.History {
		if strings.TrimSpace(h.Lesson) == "" {
			errs = append(errs, fmt.Errorf("tutor.history[%d].lesson is required", i))
		}
		if h.Score != nil && (*h.Score < 0 || *h.Score > 100) {
			errs = append(errs, fmt.Errorf("tutor.history[%d].score must be within 0..100, got %d", i, *h.Score))
		}
	}

	return errors.Join(errs...)
}

// validateName logs a warning when name is not a built-in for kind.
func validateName(kind, name string) {
	if !slices.Contains(ValidNames[kind], name) {
		slog.Warn("unknown name; it must be registered before use",
			"kind", kind,
			"name", name,
			"known", ValidNames[kind],
		)
	}
}
