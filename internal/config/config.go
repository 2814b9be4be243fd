// Package config defines the configuration schema for tutorlive and
// provides loading and validation from YAML files.
//
// A single YAML file describes one tutoring session: which live voice
// provider to talk to, which audio backends capture and play sound, how the
// session controller is tuned, and what the tutor is teaching. Backends and
// providers are selected by name and constructed through a [Registry].
package config

import (
	"log/slog"
	"time"
)

// LogLevel represents a logging verbosity level.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel converts l to a [slog.Level]. Unknown or empty levels map to
// [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
type Config struct {
	// Server holds process-level settings.
	Server ServerConfig `yaml:"server"`

	// Provider selects and configures the live voice model.
	Provider ProviderConfig `yaml:"provider"`

	// Audio configures the capture and playback backends.
	Audio AudioConfig `yaml:"audio"`

	// Session tunes the session controller.
	Session SessionConfig `yaml:"session"`

	// Tutor describes the lesson.
	Tutor TutorConfig `yaml:"tutor"`
}

// ServerConfig holds logging and side-server settings.
type ServerConfig struct {
	// LogLevel controls log verbosity. Defaults to "info".
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr enables the metrics and health HTTP server when set,
	// e.g. ":9090". Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// ProviderConfig configures the live voice provider.
type ProviderConfig struct {
	// Name selects the registered provider implementation.
	Name string `yaml:"name"`

	// Model is the remote model identifier. Empty uses the provider default.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's endpoint.
	BaseURL string `yaml:"base_url"`

	// Voice is the prebuilt voice used for speech output.
	Voice string `yaml:"voice"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// APIKeyFile, when set, is read instead of APIKeyEnv. An invalidated key
	// is removed from the file.
	APIKeyFile string `yaml:"api_key_file"`
}

// AudioConfig groups the two device directions.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig configures the microphone backend.
type CaptureConfig struct {
	// Backend selects the registered microphone backend ("file").
	Backend string `yaml:"backend"`

	// Path is the input file for the file backend.
	Path string `yaml:"path"`

	// SampleRate of the captured frames. The wire format requires 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSamples per capture callback.
	FrameSamples int `yaml:"frame_samples"`

	// Loop replays the input file forever.
	Loop bool `yaml:"loop"`
}

// PlaybackConfig configures the speaker backend.
type PlaybackConfig struct {
	// Backend selects the registered speaker backend ("file" or "discard").
	Backend string `yaml:"backend"`

	// Path is the output file for the file backend. A ".wav" suffix writes
	// a WAV header; anything else is raw PCM16.
	Path string `yaml:"path"`

	// SampleRate of the playback output.
	SampleRate int `yaml:"sample_rate"`

	// Period is the mixer render period. Zero uses the mixer default.
	Period time.Duration `yaml:"period"`
}

// SessionConfig tunes the voice session controller.
type SessionConfig struct {
	// ConnectTimeout bounds the wait for the provider's setup acknowledgement.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// SendQueue is the number of encoded frames buffered between the capture
	// callback and the sender.
	SendQueue int `yaml:"send_queue"`

	// MaxConsecutiveSendFailures ends the session once that many sends in a
	// row have failed.
	MaxConsecutiveSendFailures int `yaml:"max_consecutive_send_failures"`

	// CloseTimeout bounds Stop.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// Drain keeps the session open after a non-looping capture file ends
	// until playback has been idle for this long.
	Drain time.Duration `yaml:"drain"`
}

// TutorConfig describes what is being taught.
type TutorConfig struct {
	// Persona opens the system instruction. Empty uses the default tutor persona.
	Persona string `yaml:"persona"`

	Subject string `yaml:"subject"`
	Level   string `yaml:"level"`
	Lesson  string `yaml:"lesson"`

	// History lists previously completed lessons for the performance summary.
	History []HistoryEntry `yaml:"history"`
}

// HistoryEntry is one completed lesson.
type HistoryEntry struct {
	// Subject defaults to the tutor subject when empty.
	Subject string `yaml:"subject"`
	Lesson  string `yaml:"lesson"`

	// Score is the quiz percentage. Omit when no quiz was taken.
	Score *int `yaml:"score"`
}

// Default values applied by [Default] and [ApplyDefaults].
const (
	DefaultProvider       = "gemini-live"
	DefaultVoice          = "Zephyr"
	DefaultAPIKeyEnv      = "GEMINI_API_KEY"
	DefaultCaptureRate    = 16000
	DefaultPlaybackRate   = 24000
	DefaultFrameSamples   = 4096
	DefaultSendQueue      = 8
	DefaultMaxSendFailure = 5
	DefaultConnectTimeout = 10 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
	DefaultDrain          = 3 * time.Second
)

// Default returns a configuration with every default filled in and no
// lesson. It does not pass [Validate] until a subject and lesson are set.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	p := &cfg.Provider
	if p.Name == "" {
		p.Name = DefaultProvider
	}
	if p.Voice == "" {
		p.Voice = DefaultVoice
	}
	if p.APIKeyEnv == "" && p.APIKeyFile == "" {
		p.APIKeyEnv = DefaultAPIKeyEnv
	}

	c := &cfg.Audio.Capture
	if c.Backend == "" {
		c.Backend = "file"
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultCaptureRate
	}
	if c.FrameSamples == 0 {
		c.FrameSamples = DefaultFrameSamples
	}
	pb := &cfg.Audio.Playback
	if pb.Backend == "" {
		pb.Backend = "file"
		if pb.Path == "" {
			pb.Backend = "discard"
		}
	}
	if pb.SampleRate == 0 {
		pb.SampleRate = DefaultPlaybackRate
	}

	s := &cfg.Session
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.SendQueue == 0 {
		s.SendQueue = DefaultSendQueue
	}
	if s.MaxConsecutiveSendFailures == 0 {
		s.MaxConsecutiveSendFailures = DefaultMaxSendFailure
	}
	if s.CloseTimeout == 0 {
		s.CloseTimeout = DefaultCloseTimeout
	}
	if s.Drain == 0 {
		s.Drain = DefaultDrain
	}
}
