// Package app wires the tutorlive subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the system instruction,
// the credential store and the voice controller, Run starts one tutoring
// session and waits for it to end, and Shutdown tears everything down in
// reverse order.
//
// For testing, inject mock collaborators through [Providers] and the
// functional options. When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tutorlive/internal/config"
	"github.com/MrWong99/tutorlive/internal/credential"
	"github.com/MrWong99/tutorlive/internal/observe"
	"github.com/MrWong99/tutorlive/internal/tutor"
	"github.com/MrWong99/tutorlive/internal/voice"
	"github.com/MrWong99/tutorlive/pkg/audio"
	"github.com/MrWong99/tutorlive/pkg/provider/live"
)

// drainPoll is how often the playback state is sampled while draining.
const drainPoll = 50 * time.Millisecond

// Providers holds the collaborators main.go builds through the config
// registry. All fields are required.
type Providers struct {
	Live       live.Provider
	Microphone audio.Microphone
	Speaker    audio.Speaker
}

// App owns the voice controller and the optional HTTP side server.
type App struct {
	cfg          *config.Config
	log          *slog.Logger
	instructions string

	creds          credential.Store
	metrics        *observe.Metrics
	metricsHandler http.Handler
	transcript     io.Writer

	mic   *watchedMicrophone
	ctrl  *voice.Controller
	ended chan struct{}

	srvMu sync.Mutex
	addr  string

	// closers run in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCredentials injects a credential store instead of creating one from
// the provider config.
func WithCredentials(s credential.Store) Option {
	return func(a *App) { a.creds = s }
}

// WithMetrics injects the metric instruments. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics on the side server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithTranscriptOutput sets where finalised transcript entries are printed.
// Default os.Stdout.
func WithTranscriptOutput(w io.Writer) Option {
	return func(a *App) { a.transcript = w }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App for cfg. It fails when the lesson cannot be turned into
// a system instruction or a provider is missing; no network or device is
// touched until [App.Run].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil || providers.Microphone == nil || providers.Speaker == nil {
		return nil, errors.New("app: live provider, microphone and speaker are required")
	}
	a := &App{
		cfg:        cfg,
		log:        slog.Default(),
		transcript: os.Stdout,
		ended:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.creds == nil {
		a.creds = credentialStore(cfg.Provider)
	}

	instructions, err := tutor.Instruction(cfg.Tutor.Persona, tutorPlan(cfg.Tutor), tutorHistory(cfg.Tutor))
	if err != nil {
		return nil, fmt.Errorf("app: build instruction: %w", err)
	}
	a.instructions = instructions

	a.mic = &watchedMicrophone{Microphone: providers.Microphone}
	a.ctrl = voice.NewController(voice.Dependencies{
		Microphone:  a.mic,
		Speaker:     providers.Speaker,
		Provider:    providers.Live,
		Credentials: a.creds,
	},
		voice.WithConfig(controllerConfig(cfg)),
		voice.WithLogger(a.log),
		voice.WithMetrics(a.metrics),
	)

	printer := &transcriptPrinter{w: a.transcript}
	unsubscribe := a.ctrl.Subscribe(voice.Listener{
		OnState:      a.onState,
		OnTranscript: printer.print,
		OnError: func(err error) {
			a.log.Error("session failed", "err", err, "authentication", voice.IsAuthentication(err))
		},
	})
	a.closers = append(a.closers, func(context.Context) error {
		unsubscribe()
		return nil
	})
	return a, nil
}

// Controller exposes the voice controller.
func (a *App) Controller() *voice.Controller { return a.ctrl }

// Instructions returns the system instruction sent when the session opens.
func (a *App) Instructions() string { return a.instructions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the side server (when configured) and one voice session, then
// blocks until ctx is cancelled, the session ends, or a non-looping capture
// input is exhausted and playback has drained. It returns the session's
// fatal error, if any; voice.IsAuthentication reports a rejected credential.
func (a *App) Run(ctx context.Context) error {
	if err := a.serve(); err != nil {
		return err
	}

	req := voice.Request{
		Instructions: a.instructions,
		Voice:        a.cfg.Provider.Voice,
		Model:        a.cfg.Provider.Model,
	}
	if err := a.ctrl.Start(ctx, req); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	a.log.Info("tutoring session active",
		"subject", a.cfg.Tutor.Subject,
		"lesson", a.cfg.Tutor.Lesson,
		"voice", a.cfg.Provider.Voice,
	)

	select {
	case <-ctx.Done():
		return nil
	case <-a.ended:
		return a.ctrl.Err()
	case <-a.mic.exhausted():
		a.log.Info("capture input ended, draining playback", "quiet", a.cfg.Session.Drain)
		return a.drain(ctx)
	}
}

// drain waits until playback has been idle for the configured quiet period.
func (a *App) drain(ctx context.Context) error {
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	idleSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.ended:
			return a.ctrl.Err()
		case now := <-t.C:
			switch a.ctrl.Playback() {
			case voice.PlaybackScheduled, voice.PlaybackPlaying:
				idleSince = now
			}
			if now.Sub(idleSince) >= a.cfg.Session.Drain {
				return nil
			}
		}
	}
}

// onState signals Run once the session has gone back to idle or failed.
func (a *App) onState(s voice.State) {
	a.log.Debug("session state", "state", s)
	if s != voice.StateIdle && s != voice.StateFailed {
		return
	}
	select {
	case a.ended <- struct{}{}:
	default:
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session, then runs the closers in reverse order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Stop(); err != nil {
			a.log.Warn("session stop error", "err", err)
			shutdownErr = err
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// credentialStore prefers the key file over the environment variable.
func credentialStore(p config.ProviderConfig) credential.Store {
	if p.APIKeyFile != "" {
		return credential.FileStore{Path: p.APIKeyFile}
	}
	return &credential.EnvStore{Var: p.APIKeyEnv}
}

func controllerConfig(cfg *config.Config) voice.Config {
	return voice.Config{
		ConnectTimeout:             cfg.Session.ConnectTimeout,
		CloseTimeout:               cfg.Session.CloseTimeout,
		SendQueue:                  cfg.Session.SendQueue,
		MaxConsecutiveSendFailures: cfg.Session.MaxConsecutiveSendFailures,
		Capture:                    audio.Format{SampleRate: cfg.Audio.Capture.SampleRate, Channels: 1},
		Playback:                   audio.Format{SampleRate: cfg.Audio.Playback.SampleRate, Channels: 1},
	}
}

func tutorPlan(t config.TutorConfig) tutor.Plan {
	return tutor.Plan{Subject: t.Subject, Level: t.Level, Lesson: t.Lesson}
}

func tutorHistory(t config.TutorConfig) []tutor.Progress {
	out := make([]tutor.Progress, 0, len(t.History))
	for _, h := range t.History {
		subject := h.Subject
		if subject == "" {
			subject = t.Subject
		}
		out = append(out, tutor.Progress{Subject: subject, Lesson: h.Lesson, Score: h.Score})
	}
	return out
}

// transcriptPrinter writes finalised entries as "[role] text" lines.
type transcriptPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *transcriptPrinter) print(e voice.Entry) {
	if !e.Final {
		return
	}
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s] %s\n", e.Role, text)
}

// exhaustible is implemented by captures whose input can run out, such as
// the file microphone.
type exhaustible interface {
	Exhausted() <-chan struct{}
}

// watchedMicrophone remembers the last acquired capture so Run can tell when
// its input ended.
type watchedMicrophone struct {
	audio.Microphone

	mu  sync.Mutex
	end <-chan struct{}
}

func (m *watchedMicrophone) Acquire(ctx context.Context, f audio.Format) (audio.Capture, error) {
	c, err := m.Microphone.Acquire(ctx, f)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.end = nil
	if ex, ok := c.(exhaustible); ok {
		m.end = ex.Exhausted()
	}
	m.mu.Unlock()
	return c, nil
}

// exhausted returns nil, which blocks forever in a select, for captures that
// never run out.
func (m *watchedMicrophone) exhausted() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.end
}
