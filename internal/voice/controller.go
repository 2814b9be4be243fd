// Package voice is the real-time duplex voice session core: it captures the
// microphone, streams it to a live model, plays the model's speech back
// gaplessly and stitches both directions into a transcript.
//
// The [Controller] owns every device and transport handle of a session and is
// the only component that changes the session [State]. Inside a session two
// goroutines run under one errgroup: the sender drains a bounded queue of
// encoded frames into the transport, and the router consumes the transport's
// ordered event stream and dispatches it to the [Decoder], [Scheduler] and
// [Stitcher]. The capture callback only encodes and enqueues; it never waits
// on the network.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tutorlive/internal/credential"
	"github.com/MrWong99/tutorlive/internal/observe"
	"github.com/MrWong99/tutorlive/internal/resilience"
	"github.com/MrWong99/tutorlive/pkg/audio"
	"github.com/MrWong99/tutorlive/pkg/provider/live"
)

// Config holds the controller's tuning knobs.
type Config struct {
	// ConnectTimeout bounds the wait for the transport's open acknowledgement.
	// Default 10s.
	ConnectTimeout time.Duration

	// CloseTimeout bounds how long Stop waits for teardown. Default 5s.
	CloseTimeout time.Duration

	// SendQueue is the capacity of the frame queue between the capture
	// callback and the sender. A full queue drops the newest frame. Default 8.
	SendQueue int

	// MaxConsecutiveSendFailures escalates a run of failed sends to a fatal
	// transport error. Default 5.
	MaxConsecutiveSendFailures int

	// Capture and Playback are the device formats. Defaults: 16 kHz mono and
	// 24 kHz mono.
	Capture  audio.Format
	Playback audio.Format
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 8
	}
	if c.MaxConsecutiveSendFailures <= 0 {
		c.MaxConsecutiveSendFailures = 5
	}
	if c.Capture.SampleRate <= 0 {
		c.Capture.SampleRate = audio.CaptureSampleRate
	}
	if c.Capture.Channels <= 0 {
		c.Capture.Channels = 1
	}
	if c.Playback.SampleRate <= 0 {
		c.Playback.SampleRate = audio.PlaybackSampleRate
	}
	if c.Playback.Channels <= 0 {
		c.Playback.Channels = 1
	}
	return c
}

// Dependencies are the external collaborators of a [Controller]. All are
// required.
type Dependencies struct {
	Microphone  audio.Microphone
	Speaker     audio.Speaker
	Provider    live.Provider
	Credentials credential.Store
}

// Request describes one session.
type Request struct {
	// Instructions is the system instruction, see the tutor package.
	Instructions string
	Voice        string
	Model        string
}

// Listener receives controller notifications. Any field may be nil.
// Callbacks run on controller goroutines and must return quickly; they must
// not call [Controller.Stop] synchronously.
type Listener struct {
	OnState      func(State)
	OnTranscript func(Entry)

	// OnError receives fatal and authentication errors only.
	OnError func(error)

	// OnLevel receives the RMS input level of every captured frame while
	// the session is active. It runs on the capture goroutine.
	OnLevel func(float32)
}

// Option configures a [Controller].
type Option func(*Controller)

// WithConfig sets the tuning knobs.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metric instruments. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithStitcher shares an existing transcript. By default every controller
// has its own.
func WithStitcher(s *Stitcher) Option {
	return func(c *Controller) { c.stitcher = s }
}

// Controller supervises one voice session at a time.
// All exported methods are safe for concurrent use.
type Controller struct {
	deps     Dependencies
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
	stitcher *Stitcher

	mu        sync.Mutex
	state     State
	sess      *session
	lastErr   error
	listeners map[int]Listener
	nextID    int
}

// session is the owned context of one running session. Every handle in it
// is released by the goroutine that created the session.
type session struct {
	id  string
	log *slog.Logger

	// cancelStart aborts device acquisition and connection.
	cancelStart context.CancelFunc
	// cancelRun stops the sender and router.
	cancelRun context.CancelFunc

	capture   audio.Capture
	output    audio.Output
	transport live.Session
	sched     *Scheduler
	closers   []func() error
	frames    chan audio.Blob

	stopRequested bool
	activeSince   time.Time
	done          chan struct{}
}

// NewController returns an idle controller.
func NewController(deps Dependencies, opts ...Option) *Controller {
	c := &Controller{
		deps:      deps,
		log:       slog.Default(),
		listeners: make(map[int]Listener),
	}
	for _, o := range opts {
		o(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.stitcher == nil {
		c.stitcher = NewStitcher()
	}
	c.stitcher.OnUpdate(c.emitTranscript)
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the last session, or nil when it started
// and closed cleanly.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Transcript returns a snapshot of all transcript entries.
func (c *Controller) Transcript() []Entry {
	return c.stitcher.Entries()
}

// Playback reports the playback state of the active session. Outside
// [StateActive] it is [PlaybackEmpty].
func (c *Controller) Playback() PlaybackState {
	c.mu.Lock()
	if c.state != StateActive || c.sess == nil {
		c.mu.Unlock()
		return PlaybackEmpty
	}
	sched := c.sess.sched
	c.mu.Unlock()
	return sched.State()
}

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Start acquires the devices, opens the transport and begins streaming once
// the remote side acknowledged the session. It returns after the session is
// active or has failed. On failure every acquired resource has been released
// and the controller is in [StateFailed]; see [Controller.Acknowledge].
//
// Start returns [ErrBusy] unless the controller is idle.
func (c *Controller) Start(ctx context.Context, req Request) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	id := uuid.NewString()
	startCtx, cancelStart := context.WithCancel(observe.WithSession(ctx, id))
	s := &session{
		id:          id,
		log:         c.log.With("session_id", id),
		cancelStart: cancelStart,
		frames:      make(chan audio.Blob, c.cfg.SendQueue),
		done:        make(chan struct{}),
	}
	c.sess = s
	c.lastErr = nil
	c.state = StateAcquiringDevices
	listeners := c.snapshotLocked()
	c.mu.Unlock()
	defer cancelStart()
	c.notifyState(listeners, StateIdle, StateAcquiringDevices)

	startCtx, span := observe.StartSpan(startCtx, "voice.start",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	if err := c.acquire(startCtx, s); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return c.abortStart(s, err)
	}

	c.setState(s, StateConnecting)
	if err := c.connect(startCtx, s, req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return c.abortStart(s, err)
	}

	if err := c.activate(ctx, s); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return c.abortStart(s, err)
	}
	return nil
}

// acquire opens the microphone, then the playback output.
func (c *Controller) acquire(ctx context.Context, s *session) error {
	ctx, span := observe.StartSpan(ctx, "voice.acquire_devices")
	defer span.End()

	capture, err := c.deps.Microphone.Acquire(ctx, c.cfg.Capture)
	if err != nil {
		return newError(KindDeviceAcquisition, fmt.Errorf("microphone: %w", err))
	}
	s.capture = capture
	s.closers = append(s.closers, capture.Close)

	output, err := c.deps.Speaker.Acquire(ctx, c.cfg.Playback)
	if err != nil {
		return newError(KindDeviceAcquisition, fmt.Errorf("playback output: %w", err))
	}
	s.output = output
	s.closers = append(s.closers, output.Close)
	s.sched = NewScheduler(output,
		WithSchedulerLogger(s.log),
		WithSchedulerMetrics(c.metrics),
	)
	return nil
}

// connect reads the credential, opens the transport and waits for its open
// acknowledgement.
func (c *Controller) connect(ctx context.Context, s *session, req Request) error {
	ctx, span := observe.StartSpan(ctx, "voice.connect")
	defer span.End()
	began := time.Now()

	key, err := c.deps.Credentials.Get(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrMissing) {
			return newError(KindAuthentication, err)
		}
		return newError(KindTransportOpen, fmt.Errorf("read credential: %w", err))
	}

	transport, err := c.deps.Provider.Connect(ctx, live.Config{
		APIKey:              key,
		Model:               req.Model,
		Voice:               req.Voice,
		Instructions:        req.Instructions,
		Modalities:          []live.Modality{live.ModalityAudio},
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		return c.transportFailure(ctx, err, KindTransportOpen)
	}
	s.transport = transport
	s.closers = append(s.closers, transport.Close)

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-transport.Events():
			if !ok {
				return newError(KindTransportOpen, errors.New("transport closed before open"))
			}
			switch ev.Kind {
			case live.EventOpen:
				c.metrics.ConnectDuration.Record(ctx, time.Since(began).Seconds())
				return nil
			case live.EventError:
				return c.transportFailure(ctx, ev.Err, KindTransportOpen)
			case live.EventClosed:
				if ev.Err == nil {
					return newError(KindTransportOpen, errors.New("transport closed before open"))
				}
				return c.transportFailure(ctx, ev.Err, KindTransportOpen)
			default:
				s.log.Debug("event before open ignored", "kind", ev.Kind.String())
			}
		case <-timer.C:
			return newError(KindTransportOpen, fmt.Errorf("no open acknowledgement within %s", c.cfg.ConnectTimeout))
		case <-ctx.Done():
			return newError(KindTransportOpen, ctx.Err())
		}
	}
}

// transportFailure classifies err and invalidates the credential when the
// remote side rejected it.
func (c *Controller) transportFailure(ctx context.Context, err error, fallback Kind) *Error {
	verr := classifyTransport(err, fallback)
	if verr.Kind == KindAuthentication {
		if ierr := c.deps.Credentials.Invalidate(context.WithoutCancel(ctx)); ierr != nil {
			c.log.Warn("credential invalidation failed", "err", ierr)
		}
	}
	return verr
}

// activate moves the session to Active and starts the run group. Capture
// starts last, so no frame is produced before the transport is open.
func (c *Controller) activate(ctx context.Context, s *session) error {
	runCtx, cancelRun := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), s.id))

	c.mu.Lock()
	if s.stopRequested {
		c.mu.Unlock()
		cancelRun()
		return context.Canceled
	}
	s.cancelRun = cancelRun
	s.activeSince = time.Now()
	c.mu.Unlock()

	c.setState(s, StateActive)
	c.metrics.ActiveSessions.Add(runCtx, 1)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.sendLoop(gctx, s) })
	g.Go(func() error { return c.routeLoop(gctx, s) })

	enc := audio.Encoder{SampleRate: c.cfg.Capture.SampleRate}
	if err := s.capture.Start(func(samples []float32) {
		c.onCapture(gctx, s, enc, samples)
	}); err != nil {
		cancelRun()
		_ = g.Wait()
		c.metrics.ActiveSessions.Add(runCtx, -1)
		return newError(KindDeviceAcquisition, fmt.Errorf("start capture: %w", err))
	}

	s.log.Info("voice session active")
	go c.supervise(runCtx, s, g)
	return nil
}

// abortStart rolls back a failed Start.
func (c *Controller) abortStart(s *session, err error) error {
	c.release(s)

	c.mu.Lock()
	stopped := s.stopRequested
	c.mu.Unlock()

	if stopped {
		s.log.Info("voice session start aborted by stop")
		c.finish(s, StateIdle, nil)
		return fmt.Errorf("voice: start aborted: %w", context.Canceled)
	}
	s.log.Warn("voice session failed to start", "err", err)
	c.finish(s, StateFailed, err)
	return err
}

// onCapture runs on the capture goroutine for every frame.
func (c *Controller) onCapture(ctx context.Context, s *session, enc audio.Encoder, samples []float32) {
	if ls := c.levelListeners(); len(ls) > 0 {
		lvl := audio.Level(samples)
		for _, fn := range ls {
			fn(lvl)
		}
	}
	select {
	case s.frames <- enc.Encode(samples):
	default:
		c.metrics.RecordFrameDropped(ctx, "queue_full")
	}
}

// sendLoop drains the frame queue in capture order. A failed send drops the
// frame; a run of failures trips the breaker and ends the session.
func (c *Controller) sendLoop(ctx context.Context, s *session) error {
	var tripped bool
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "send/" + s.id,
		MaxFailures: c.cfg.MaxConsecutiveSendFailures,
		Logger:      s.log,
		OnStateChange: func(_, to resilience.State) {
			if to == resilience.StateOpen {
				tripped = true
			}
		},
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case blob := <-s.frames:
			err := breaker.Execute(func() error { return s.transport.Send(blob) })
			switch {
			case err == nil:
				c.metrics.FramesSent.Add(ctx, 1)
			case ctx.Err() != nil:
				return nil
			case live.IsAuthError(err):
				return c.transportFailure(ctx, err, KindAuthentication)
			default:
				c.metrics.RecordFrameDropped(ctx, "send_failed")
				s.log.Debug("frame dropped", "err", newError(KindTransientSend, err))
				if tripped {
					return newError(KindUnspecifiedTransport,
						fmt.Errorf("%d consecutive send failures: %w", c.cfg.MaxConsecutiveSendFailures, err))
				}
			}
		}
	}
}

// routeLoop dispatches inbound events in delivery order.
func (c *Controller) routeLoop(ctx context.Context, s *session) error {
	dec := Decoder{TargetRate: c.cfg.Playback.SampleRate, Channels: 1}
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return newError(KindUnspecifiedTransport, errors.New("event stream ended"))
			}
			if err := c.route(ctx, s, dec, ev); err != nil {
				return err
			}
			if ev.Kind == live.EventClosed {
				s.log.Info("transport closed by remote")
				return errRemoteClosed
			}
		}
	}
}

// errRemoteClosed ends the run group on a clean remote close.
var errRemoteClosed = errors.New("voice: remote closed session")

func (c *Controller) route(ctx context.Context, s *session, dec Decoder, ev live.Event) error {
	switch ev.Kind {
	case live.EventInputTranscript:
		c.stitcher.Append(RoleUser, ev.Text)
	case live.EventOutputTranscript:
		c.stitcher.Append(RoleAI, ev.Text)
	case live.EventTurnComplete:
		c.stitcher.TurnComplete()
	case live.EventAudio:
		buf, err := dec.Decode(ev)
		if err != nil {
			c.metrics.ChunksDropped.Add(ctx, 1)
			s.log.Warn("audio chunk dropped", "err", err, "bytes", len(ev.Audio))
			return nil
		}
		if _, err := s.sched.Schedule(buf); err != nil {
			s.log.Warn("audio chunk not scheduled", "err", err)
			return nil
		}
		c.metrics.ChunksDecoded.Add(ctx, 1)
	case live.EventInterrupted:
		if n := s.sched.Interrupt(); n > 0 {
			c.metrics.Interruptions.Add(ctx, 1)
			s.log.Debug("barge-in", "stopped", n)
		}
	case live.EventError:
		return c.transportFailure(ctx, ev.Err, KindUnspecifiedTransport)
	case live.EventClosed:
		if ev.Err != nil {
			return c.transportFailure(ctx, ev.Err, KindUnspecifiedTransport)
		}
	case live.EventOpen:
	default:
		s.log.Debug("unknown event ignored", "kind", ev.Kind.String())
	}
	return nil
}

// supervise waits for the run group and tears the session down.
func (c *Controller) supervise(ctx context.Context, s *session, g *errgroup.Group) {
	err := g.Wait()
	if errors.Is(err, errRemoteClosed) {
		err = nil
	}

	c.setState(s, StateClosing)
	c.release(s)

	c.mu.Lock()
	since := s.activeSince
	c.mu.Unlock()
	c.metrics.SessionDuration.Record(ctx, time.Since(since).Seconds())
	c.metrics.ActiveSessions.Add(ctx, -1)

	c.closeTurns(s)
	if err != nil {
		s.log.Error("voice session failed", "err", err)
		c.stitcher.AddSystem("Session ended: " + err.Error())
	} else {
		s.log.Info("voice session closed")
	}
	c.finish(s, StateIdle, err)
}

// closeTurns finalises the transcript entries left open by s so the next
// session starts fresh ones.
func (c *Controller) closeTurns(s *session) {
	c.mu.Lock()
	current := c.sess == s
	c.mu.Unlock()
	if current {
		c.stitcher.TurnComplete()
	}
}

// release stops capture, closes the transport, flushes playback and then
// releases every handle in reverse order of acquisition.
func (c *Controller) release(s *session) {
	if s.capture != nil {
		if err := s.capture.Stop(); err != nil {
			s.log.Warn("stop capture", "err", err)
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.log.Warn("close transport", "err", err)
		}
	}
	if s.sched != nil {
		s.sched.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("release resource", "err", err)
		}
	}
	s.closers = nil
}

// finish records the outcome of s and wakes Stop.
func (c *Controller) finish(s *session, final State, err error) {
	if err != nil {
		c.metrics.RecordSessionError(context.Background(), KindOf(err).String())
	}

	c.mu.Lock()
	current := c.sess == s
	if current {
		c.sess = nil
		c.lastErr = err
	}
	c.mu.Unlock()
	defer close(s.done)

	if !current {
		return
	}
	if err != nil {
		for _, l := range c.snapshot() {
			if l.OnError != nil {
				l.OnError(err)
			}
		}
	}
	c.setState(nil, final)
}

// Stop ends the session. It is idempotent and safe in any state: stopping an
// idle controller is a no-op, stopping a failed one acknowledges the failure.
// Stop never leaves the controller stuck; if teardown takes longer than the
// close timeout the controller is forced to Idle and an error is returned.
func (c *Controller) Stop() error {
	c.mu.Lock()
	s := c.sess
	switch {
	case c.state == StateFailed && s == nil:
		c.mu.Unlock()
		c.Acknowledge()
		return nil
	case s == nil:
		c.mu.Unlock()
		return nil
	}
	s.stopRequested = true
	s.cancelStart()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		if c.State() == StateFailed {
			c.Acknowledge()
		}
		return nil
	case <-timer.C:
	}

	c.mu.Lock()
	forced := c.sess == s
	if forced {
		c.sess = nil
	}
	c.mu.Unlock()
	if !forced {
		return nil
	}
	s.log.Error("teardown exceeded close timeout, forcing idle", "timeout", c.cfg.CloseTimeout)
	c.stitcher.TurnComplete()
	c.setState(nil, StateIdle)
	return fmt.Errorf("voice: stop: teardown did not finish within %s", c.cfg.CloseTimeout)
}

// Acknowledge clears a failure and returns the controller to Idle. It does
// nothing in any other state.
func (c *Controller) Acknowledge() {
	c.mu.Lock()
	if c.state != StateFailed || c.sess != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.setState(nil, StateIdle)
}

// setState changes the state if s is still the current session (or s is nil
// for controller-level transitions) and notifies listeners.
func (c *Controller) setState(s *session, to State) {
	c.mu.Lock()
	if s != nil && c.sess != s {
		c.mu.Unlock()
		return
	}
	if c.state == to {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = to
	listeners := c.snapshotLocked()
	c.mu.Unlock()

	c.notifyState(listeners, from, to)
}

func (c *Controller) notifyState(listeners []Listener, from, to State) {
	c.log.Debug("voice state change", "from", from.String(), "to", to.String())
	for _, l := range listeners {
		if l.OnState != nil {
			l.OnState(to)
		}
	}
}

func (c *Controller) emitTranscript(e Entry) {
	for _, l := range c.snapshot() {
		if l.OnTranscript != nil {
			l.OnTranscript(e)
		}
	}
}

func (c *Controller) levelListeners() []func(float32) {
	var fns []func(float32)
	for _, l := range c.snapshot() {
		if l.OnLevel != nil {
			fns = append(fns, l.OnLevel)
		}
	}
	return fns
}

func (c *Controller) snapshot() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for i := range c.nextID {
		if l, ok := c.listeners[i]; ok {
			out = append(out, l)
		}
	}
	return out
}
