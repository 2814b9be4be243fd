// Command tutorlive runs one spoken tutoring session against a live voice
// model: it streams the configured capture input, plays the tutor's replies
// and prints the transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/tutorlive/internal/app"
	"github.com/MrWong99/tutorlive/internal/config"
	"github.com/MrWong99/tutorlive/internal/observe"
	"github.com/MrWong99/tutorlive/internal/voice"
	"github.com/MrWong99/tutorlive/pkg/audio"
	"github.com/MrWong99/tutorlive/pkg/audio/filedev"
	"github.com/MrWong99/tutorlive/pkg/audio/mixer"
	"github.com/MrWong99/tutorlive/pkg/provider/live"
	"github.com/MrWong99/tutorlive/pkg/provider/live/gemini"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitAuth    = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "tutorlive.yaml", "path to the YAML configuration file")
	duration := flag.Duration("duration", 0, "end the session after this long (0 runs until interrupted or the input ends)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tutorlive: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tutorlive: %v\n", err)
		}
		return exitFailure
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.SlogLevel()}))
	slog.SetDefault(logger)

	slog.Info("tutorlive starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitFailure
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, logger)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return exitFailure
	}

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers,
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
		app.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return exitFailure
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	code := exitOK
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if voice.IsAuthentication(err) {
			slog.Error("the API key was rejected; provide a new one and restart", "err", err)
			code = exitAuth
		} else {
			slog.Error("session failed", "err", err)
			code = exitFailure
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.CloseTimeout+5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if code == exitOK {
			code = exitFailure
		}
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the provider and device backends that ship with
// tutorlive into reg.
func registerBuiltins(reg *config.Registry, log *slog.Logger) {
	reg.RegisterProvider("gemini-live", func(c config.ProviderConfig) (live.Provider, error) {
		opts := []gemini.Option{gemini.WithLogger(log)}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		return gemini.New(opts...), nil
	})

	reg.RegisterCapture("file", func(c config.CaptureConfig) (audio.Microphone, error) {
		if c.Path == "" {
			return nil, errors.New("file capture requires a path")
		}
		return &filedev.Microphone{
			Path:         c.Path,
			FrameSamples: c.FrameSamples,
			Loop:         c.Loop,
			Log:          log,
		}, nil
	})

	reg.RegisterPlayback("file", func(c config.PlaybackConfig) (audio.Speaker, error) {
		if c.Path == "" {
			return nil, errors.New("file playback requires a path")
		}
		return filedev.NewSpeaker(c.Path, mixer.WithPeriod(c.Period), mixer.WithLogger(log)), nil
	})
	reg.RegisterPlayback("discard", func(c config.PlaybackConfig) (audio.Speaker, error) {
		return filedev.NewSpeaker("", mixer.WithPeriod(c.Period), mixer.WithLogger(log)), nil
	})
}

// buildProviders instantiates the configured provider and devices.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p, err := reg.CreateProvider(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	mic, err := reg.CreateCapture(cfg.Audio.Capture)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	spk, err := reg.CreatePlayback(cfg.Audio.Playback)
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	return &app.Providers{Live: p, Microphone: mic, Speaker: spk}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       tutorlive · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	model := cfg.Provider.Model
	if model == "" {
		model = gemini.DefaultModel
	}
	printRow("Provider", cfg.Provider.Name)
	printRow("Model", model)
	printRow("Voice", cfg.Provider.Voice)
	printRow("Capture", cfg.Audio.Capture.Backend+" "+cfg.Audio.Capture.Path)
	printRow("Playback", cfg.Audio.Playback.Backend+" "+cfg.Audio.Playback.Path)
	printRow("Subject", cfg.Tutor.Subject)
	printRow("Lesson", cfg.Tutor.Lesson)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 22 {
		value = string(r[:21]) + "…"
	}
	fmt.Printf("║  %-12s : %-22s ║\n", label, value)
}
