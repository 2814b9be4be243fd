package voice_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/tutorlive/internal/credential"
	"github.com/MrWong99/tutorlive/internal/observe"
	"github.com/MrWong99/tutorlive/internal/voice"
	"github.com/MrWong99/tutorlive/pkg/audio"
	audiomock "github.com/MrWong99/tutorlive/pkg/audio/mock"
	"github.com/MrWong99/tutorlive/pkg/provider/live"
	livemock "github.com/MrWong99/tutorlive/pkg/provider/live/mock"
)

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// recorder collects listener callbacks.
type recorder struct {
	mu          sync.Mutex
	states      []voice.State
	errs        []error
	transcripts []voice.Entry
	levels      []float32
}

func (r *recorder) listener() voice.Listener {
	return voice.Listener{
		OnState: func(s voice.State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnTranscript: func(e voice.Entry) {
			r.mu.Lock()
			r.transcripts = append(r.transcripts, e)
			r.mu.Unlock()
		},
		OnLevel: func(l float32) {
			r.mu.Lock()
			r.levels = append(r.levels, l)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) States() []voice.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

func (r *recorder) Levels() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.levels)
}

type harness struct {
	ctrl     *voice.Controller
	capture  *audiomock.Capture
	mic      *audiomock.Microphone
	output   *audiomock.Output
	speaker  *audiomock.Speaker
	session  *livemock.Session
	provider *livemock.Provider
	creds    *credential.Static
	rec      *recorder
	reader   *sdkmetric.ManualReader
}

func newHarness(t *testing.T, cfg voice.Config) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		capture: &audiomock.Capture{},
		output:  audiomock.NewOutput(),
		session: livemock.NewSession(),
		creds:   credential.NewStatic("test-key"),
		rec:     &recorder{},
		reader:  reader,
	}
	h.mic = &audiomock.Microphone{Capture: h.capture}
	h.speaker = &audiomock.Speaker{Output: h.output}
	h.provider = &livemock.Provider{Session: h.session, AutoOpen: true}
	h.ctrl = voice.NewController(voice.Dependencies{
		Microphone:  h.mic,
		Speaker:     h.speaker,
		Provider:    h.provider,
		Credentials: h.creds,
	}, voice.WithConfig(cfg), voice.WithMetrics(metrics))
	h.ctrl.Subscribe(h.rec.listener())
	t.Cleanup(func() { _ = h.ctrl.Stop() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(context.Background(), voice.Request{Instructions: "be kind"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.ctrl.State(); got != voice.StateActive {
		t.Fatalf("State() = %v, want active", got)
	}
}

// counter returns the int64 sum for name whose attributes contain kv, or
// the first data point when kv is empty.
func (h *harness) counter(t *testing.T, name string, kv ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				match := true
				for _, want := range kv {
					if v, ok := dp.Attributes.Value(want.Key); !ok || v != want.Value {
						match = false
					}
				}
				if match {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// frame returns n samples at a constant value so frames are distinguishable
// on the wire.
func frame(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// chunk returns an inbound audio event of d at 24 kHz.
func chunk(d time.Duration) live.Event {
	n := audio.DurationToFrames(d, audio.PlaybackSampleRate)
	return live.Event{Kind: live.EventAudio, Audio: make([]byte, n*2), MIMEType: "audio/pcm;rate=24000"}
}

func TestController_StartActivates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.start(t)

	want := []voice.State{voice.StateAcquiringDevices, voice.StateConnecting, voice.StateActive}
	if got := h.rec.States(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if got := h.mic.Formats; len(got) != 1 || got[0] != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("microphone formats = %v", got)
	}
	if got := h.speaker.Formats; len(got) != 1 || got[0] != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("speaker formats = %v", got)
	}
	calls := h.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect called %d times, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.APIKey != "test-key" || cfg.Instructions != "be kind" {
		t.Errorf("Connect config = %+v", cfg)
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("transcription not requested in both directions")
	}
	if !slices.Equal(cfg.Modalities, []live.Modality{live.ModalityAudio}) {
		t.Errorf("modalities = %v, want [AUDIO]", cfg.Modalities)
	}
	if !h.capture.Running() {
		t.Error("capture not running")
	}
}

func TestController_StartWhileBusy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.start(t)

	if err := h.ctrl.Start(context.Background(), voice.Request{}); !errors.Is(err, voice.ErrBusy) {
		t.Errorf("second Start = %v, want ErrBusy", err)
	}
	if h.mic.CallCount() != 1 {
		t.Errorf("second Start acquired the microphone again")
	}
}

func TestController_FramesBeforeOpenAreDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.provider.AutoOpen = false

	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Start(context.Background(), voice.Request{}) }()

	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })
	if h.capture.Emit(frame(160, 0.1)) {
		t.Error("capture delivered a frame before the transport opened")
	}
	if got := h.ctrl.State(); got != voice.StateConnecting {
		t.Errorf("State() = %v, want connecting", got)
	}

	h.session.Emit(live.Event{Kind: live.EventOpen})
	if err := <-errc; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !h.capture.Emit(frame(160, 0.1)) {
		t.Fatal("capture not started after open")
	}
	waitFor(t, "send", func() bool { return len(h.session.Sent()) == 1 })
}

func TestController_FramesSentInCaptureOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{SendQueue: 16})
	h.start(t)

	values := []float32{0.1, 0.2, 0.3, 0.4}
	for _, v := range values {
		h.capture.Emit(frame(4096, v))
	}
	waitFor(t, "all frames sent", func() bool { return len(h.session.Sent()) == len(values) })

	for i, blob := range h.session.Sent() {
		if blob.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("blob %d MIME = %q", i, blob.MIMEType)
		}
		if len(blob.Data) != 4096*2 {
			t.Errorf("blob %d has %d bytes, want %d", i, len(blob.Data), 4096*2)
		}
		want := audio.EncodePCM16(frame(4096, values[i]))
		if !slices.Equal(blob.Data, want) {
			t.Errorf("blob %d out of order", i)
		}
	}
	if got := h.counter(t, "tutorlive.frames.sent"); got != int64(len(values)) {
		t.Errorf("frames.sent = %d, want %d", got, len(values))
	}
}

// TestController_SingleSendFailureDropsOneFrame covers a 16 kHz microphone
// delivering 6000-sample frames every 250 ms while the transport is briefly
// unavailable for exactly one send.
func TestController_SingleSendFailureDropsOneFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.session.SendErrs = []error{nil, errors.New("transport briefly unavailable"), nil}
	h.start(t)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for i := range 3 {
		<-ticker.C
		h.capture.Emit(frame(6000, float32(i+1)/10))
		waitFor(t, fmt.Sprintf("send %d", i+1), func() bool { return h.session.SendCalls() == i+1 })
	}

	sent := h.session.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if !slices.Equal(sent[0].Data, audio.EncodePCM16(frame(6000, 0.1))) ||
		!slices.Equal(sent[1].Data, audio.EncodePCM16(frame(6000, 0.3))) {
		t.Error("wrong frames delivered: want the first and third")
	}
	if got := h.ctrl.State(); got != voice.StateActive {
		t.Errorf("State() = %v, want active", got)
	}
	if errs := h.rec.Errors(); len(errs) != 0 {
		t.Errorf("transient failure crossed the boundary: %v", errs)
	}
	if got := h.counter(t, "tutorlive.frames.dropped", attribute.String("reason", "send_failed")); got != 1 {
		t.Errorf("frames.dropped{send_failed} = %d, want 1", got)
	}
}

func TestController_ConsecutiveSendFailuresAreFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{MaxConsecutiveSendFailures: 3})
	h.session.SendErr = errors.New("broken pipe")
	h.start(t)

	for i := range 3 {
		h.capture.Emit(frame(160, 0.1))
		waitFor(t, "send attempt", func() bool { return h.session.SendCalls() == i+1 })
	}
	waitFor(t, "idle", func() bool { return h.ctrl.State() == voice.StateIdle })

	if kind := voice.KindOf(h.ctrl.Err()); kind != voice.KindUnspecifiedTransport {
		t.Errorf("error kind = %v, want unspecified_transport", kind)
	}
	if slices.Contains(h.rec.States(), voice.StateFailed) {
		t.Errorf("states = %v, fatal error while active must end in idle", h.rec.States())
	}
	if !h.capture.Closed() || !h.output.Closed() || !h.session.Closed() {
		t.Error("resources not released after fatal error")
	}
	if errs := h.rec.Errors(); len(errs) != 1 {
		t.Errorf("OnError called %d times, want 1", len(errs))
	}

	// The controller is immediately ready for a new session.
	h.mic.Capture = &audiomock.Capture{}
	h.speaker.Output = audiomock.NewOutput()
	h.provider.Session = livemock.NewSession()
	h.start(t)
	if err := h.ctrl.Err(); err != nil {
		t.Errorf("Err() after restart = %v, want nil", err)
	}
}

// blockingSession blocks every Send until release is closed.
type blockingSession struct {
	*livemock.Session
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSession) Send(blob audio.Blob) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.Session.Send(blob)
}

type providerFunc func(ctx context.Context, cfg live.Config) (live.Session, error)

func (f providerFunc) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	return f(ctx, cfg)
}

func TestController_FullQueueDropsFrames(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	inner := livemock.NewSession()
	sess := &blockingSession{Session: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
	capture := &audiomock.Capture{}
	ctrl := voice.NewController(voice.Dependencies{
		Microphone: &audiomock.Microphone{Capture: capture},
		Speaker:    &audiomock.Speaker{},
		Provider: providerFunc(func(context.Context, live.Config) (live.Session, error) {
			inner.Emit(live.Event{Kind: live.EventOpen})
			return sess, nil
		}),
		Credentials: credential.NewStatic("k"),
	}, voice.WithConfig(voice.Config{SendQueue: 1}), voice.WithMetrics(metrics))
	t.Cleanup(func() { _ = ctrl.Stop() })

	if err := ctrl.Start(context.Background(), voice.Request{}); err != nil {
		t.Fatal(err)
	}

	capture.Emit(frame(160, 0.1)) // taken by the sender, which then blocks
	<-sess.entered
	capture.Emit(frame(160, 0.2)) // fills the queue
	capture.Emit(frame(160, 0.3)) // dropped
	close(sess.release)

	waitFor(t, "queued frame sent", func() bool { return len(inner.Sent()) == 2 })
	sent := inner.Sent()
	if !slices.Equal(sent[1].Data, audio.EncodePCM16(frame(160, 0.2))) {
		t.Error("queued frame not delivered second")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "tutorlive.frames.dropped" {
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					dropped += dp.Value
				}
			}
		}
	}
	if dropped != 1 {
		t.Errorf("frames.dropped = %d, want 1", dropped)
	}
	if ctrl.State() != voice.StateActive {
		t.Errorf("State() = %v, want active", ctrl.State())
	}
}

func TestController_DeviceAcquisitionFailure(t *testing.T) {
	t.Parallel()
	errDenied := errors.New("permission denied")

	t.Run("microphone", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, voice.Config{})
		h.mic.Err = errDenied

		err := h.ctrl.Start(context.Background(), voice.Request{})
		if voice.KindOf(err) != voice.KindDeviceAcquisition || !errors.Is(err, errDenied) {
			t.Fatalf("Start = %v, want device_acquisition wrapping %v", err, errDenied)
		}
		if h.speaker.CallCount() != 0 || len(h.provider.Calls()) != 0 {
			t.Error("continued after microphone failure")
		}
		if got := h.ctrl.State(); got != voice.StateFailed {
			t.Errorf("State() = %v, want failed", got)
		}
	})

	t.Run("playback", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, voice.Config{})
		h.speaker.Err = errDenied

		err := h.ctrl.Start(context.Background(), voice.Request{})
		if voice.KindOf(err) != voice.KindDeviceAcquisition {
			t.Fatalf("Start = %v, want device_acquisition", err)
		}
		if !h.capture.Closed() {
			t.Error("microphone leaked after playback acquisition failed")
		}
		if len(h.provider.Calls()) != 0 {
			t.Error("transport opened after device failure")
		}
		want := []voice.State{voice.StateAcquiringDevices, voice.StateFailed}
		if got := h.rec.States(); !slices.Equal(got, want) {
			t.Errorf("states = %v, want %v", got, want)
		}
		if errs := h.rec.Errors(); len(errs) != 1 || !errors.Is(errs[0], errDenied) {
			t.Errorf("OnError = %v", errs)
		}

		h.ctrl.Acknowledge()
		if got := h.ctrl.State(); got != voice.StateIdle {
			t.Errorf("State() after Acknowledge = %v, want idle", got)
		}
	})
}

func TestController_StartWhileFailedIsBusyUntilAcknowledged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.mic.Err = errors.New("no device")
	_ = h.ctrl.Start(context.Background(), voice.Request{})

	if err := h.ctrl.Start(context.Background(), voice.Request{}); !errors.Is(err, voice.ErrBusy) {
		t.Errorf("Start while failed = %v, want ErrBusy", err)
	}
	h.ctrl.Acknowledge()
	h.mic.Err = nil
	h.start(t)
}

func TestController_TransportOpenFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		connectErr error
		wantKind   voice.Kind
	}{
		{"network", errors.New("dial tcp: connection refused"), voice.KindTransportOpen},
		{"rejected key", fmt.Errorf("gemini: dial: %w", live.ErrAuthentication), voice.KindAuthentication},
		{"server status", &live.ServerError{Status: "PERMISSION_DENIED"}, voice.KindAuthentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, voice.Config{})
			h.provider.ConnectErr = tt.connectErr

			err := h.ctrl.Start(context.Background(), voice.Request{})
			if got := voice.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %v, want %v (err %v)", got, tt.wantKind, err)
			}
			if !h.capture.Closed() || !h.output.Closed() {
				t.Error("devices leaked after transport failure")
			}
			_, credErr := h.creds.Get(context.Background())
			invalidated := errors.Is(credErr, credential.ErrMissing)
			if invalidated != (tt.wantKind == voice.KindAuthentication) {
				t.Errorf("credential invalidated = %v, want %v", invalidated, tt.wantKind == voice.KindAuthentication)
			}
			if got := h.ctrl.State(); got != voice.StateFailed {
				t.Errorf("State() = %v, want failed", got)
			}
		})
	}
}

func TestController_MissingCredential(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	_ = h.creds.Invalidate(context.Background())

	err := h.ctrl.Start(context.Background(), voice.Request{})
	if !voice.IsAuthentication(err) {
		t.Fatalf("Start = %v, want authentication error", err)
	}
	if len(h.provider.Calls()) != 0 {
		t.Error("Connect called without a credential")
	}
}

func TestController_ConnectTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{ConnectTimeout: 50 * time.Millisecond})
	h.provider.AutoOpen = false

	err := h.ctrl.Start(context.Background(), voice.Request{})
	if voice.KindOf(err) != voice.KindTransportOpen {
		t.Fatalf("Start = %v, want transport_open", err)
	}
	if !h.session.Closed() {
		t.Error("transport not closed after open timeout")
	}
}

func TestController_ErrorBeforeOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.provider.AutoOpen = false
	h.session.Emit(live.Event{Kind: live.EventError, Err: &live.ServerError{Code: 400, Message: "API key not valid. Please pass a valid API key."}})

	err := h.ctrl.Start(context.Background(), voice.Request{})
	if !voice.IsAuthentication(err) {
		t.Fatalf("Start = %v, want authentication error", err)
	}
}

func TestController_StopIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})

	if err := h.ctrl.Stop(); err != nil {
		t.Errorf("Stop while idle = %v", err)
	}
	if got := h.ctrl.State(); got != voice.StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}

	h.start(t)
	if err := h.ctrl.Stop(); err != nil {
		t.Errorf("first Stop = %v", err)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
	if got := h.ctrl.State(); got != voice.StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	want := []voice.State{
		voice.StateAcquiringDevices, voice.StateConnecting, voice.StateActive,
		voice.StateClosing, voice.StateIdle,
	}
	if got := h.rec.States(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if h.capture.Running() || !h.capture.Closed() || !h.output.Closed() || !h.session.Closed() {
		t.Error("resources not released by Stop")
	}
	if errs := h.rec.Errors(); len(errs) != 0 {
		t.Errorf("Stop reported errors: %v", errs)
	}

	// The controller is reusable.
	h.session = livemock.NewSession()
	h.provider.Session = h.session
	h.capture = &audiomock.Capture{}
	h.mic.Capture = h.capture
	h.speaker.Output = audiomock.NewOutput()
	h.start(t)
}

// orderedRelease records the order in which handles are released.
type orderedRelease struct {
	mu    sync.Mutex
	order []string
}

func (o *orderedRelease) add(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !slices.Contains(o.order, name) {
		o.order = append(o.order, name)
	}
}

type recCapture struct {
	*audiomock.Capture
	rel *orderedRelease
}

func (c recCapture) Stop() error  { c.rel.add("capture.stop"); return c.Capture.Stop() }
func (c recCapture) Close() error { c.rel.add("capture.close"); return c.Capture.Close() }

type recOutput struct {
	*audiomock.Output
	rel *orderedRelease
}

func (o recOutput) Close() error { o.rel.add("output.close"); return o.Output.Close() }

type recSession struct {
	*livemock.Session
	rel *orderedRelease
}

func (s recSession) Close() error { s.rel.add("transport.close"); return s.Session.Close() }

type micFunc func(context.Context, audio.Format) (audio.Capture, error)

func (f micFunc) Acquire(ctx context.Context, fm audio.Format) (audio.Capture, error) {
	return f(ctx, fm)
}

type speakerFunc func(context.Context, audio.Format) (audio.Output, error)

func (f speakerFunc) Acquire(ctx context.Context, fm audio.Format) (audio.Output, error) {
	return f(ctx, fm)
}

func TestController_ReleasesInReverseOrder(t *testing.T) {
	t.Parallel()
	rel := &orderedRelease{}
	sess := livemock.NewSession()
	ctrl := voice.NewController(voice.Dependencies{
		Microphone: micFunc(func(context.Context, audio.Format) (audio.Capture, error) {
			return recCapture{&audiomock.Capture{}, rel}, nil
		}),
		Speaker: speakerFunc(func(context.Context, audio.Format) (audio.Output, error) {
			return recOutput{audiomock.NewOutput(), rel}, nil
		}),
		Provider: providerFunc(func(context.Context, live.Config) (live.Session, error) {
			sess.Emit(live.Event{Kind: live.EventOpen})
			return recSession{sess, rel}, nil
		}),
		Credentials: credential.NewStatic("k"),
	})
	if err := ctrl.Start(context.Background(), voice.Request{}); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatal(err)
	}
	want := []string{"capture.stop", "transport.close", "output.close", "capture.close"}
	if !slices.Equal(rel.order, want) {
		t.Errorf("release order = %v, want %v", rel.order, want)
	}
}

func TestController_StopDuringConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.provider.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Start(context.Background(), voice.Request{}) }()
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Start = %v, want context.Canceled", err)
	}
	if got := h.ctrl.State(); got != voice.StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	if !h.capture.Closed() || !h.output.Closed() {
		t.Error("devices leaked by a stop during connect")
	}
	if errs := h.rec.Errors(); len(errs) != 0 {
		t.Errorf("stop during connect reported errors: %v", errs)
	}
}

func TestController_PlaybackAndBargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.start(t)

	h.session.Emit(chunk(100 * time.Millisecond))
	h.session.Emit(chunk(100 * time.Millisecond))
	waitFor(t, "two chunks scheduled", func() bool { return len(h.output.Calls()) == 2 })

	calls := h.output.Calls()
	if calls[0].At != 0 || calls[1].At != 100*time.Millisecond {
		t.Errorf("starts = %v, %v, want 0s, 100ms", calls[0].At, calls[1].At)
	}

	if got := h.ctrl.Playback(); got != voice.PlaybackPlaying {
		t.Errorf("Playback() = %v, want playing", got)
	}

	h.output.SetNow(30 * time.Millisecond)
	h.session.Emit(live.Event{Kind: live.EventInterrupted})
	waitFor(t, "voices stopped", func() bool {
		return calls[0].Voice.Stopped() && calls[1].Voice.Stopped()
	})
	waitFor(t, "playback interrupted", func() bool { return h.ctrl.Playback() == voice.PlaybackInterrupted })

	h.session.Emit(chunk(100 * time.Millisecond))
	waitFor(t, "post-interrupt chunk", func() bool { return len(h.output.Calls()) == 3 })
	if at := h.output.Calls()[2].At; at != 30*time.Millisecond {
		t.Errorf("post-interrupt start = %v, want 30ms (now)", at)
	}
	if got := h.counter(t, "tutorlive.interruptions"); got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}

	// Interrupted with nothing queued is a no-op.
	h.output.FinishAll()
	h.session.Emit(live.Event{Kind: live.EventInterrupted})
	h.session.Emit(live.Event{Kind: live.EventTurnComplete})
	waitFor(t, "turn processed", func() bool { return h.ctrl.State() == voice.StateActive })
}

func TestController_DecodeErrorDoesNotStallPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.start(t)

	h.session.Emit(live.Event{Kind: live.EventAudio, Audio: []byte{1, 2, 3}})
	h.session.Emit(chunk(40 * time.Millisecond))
	waitFor(t, "good chunk scheduled", func() bool { return len(h.output.Calls()) == 1 })

	if got := h.output.Calls()[0].Buffer.Duration(); got != 40*time.Millisecond {
		t.Errorf("scheduled %v, want 40ms", got)
	}
	if got := h.ctrl.State(); got != voice.StateActive {
		t.Errorf("State() = %v, want active", got)
	}
	if got := h.counter(t, "tutorlive.chunks.dropped"); got != 1 {
		t.Errorf("chunks.dropped = %d, want 1", got)
	}
	if errs := h.rec.Errors(); len(errs) != 0 {
		t.Errorf("decode error crossed the boundary: %v", errs)
	}
}

func TestController_TranscriptRouting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.start(t)

	for _, ev := range []live.Event{
		{Kind: live.EventInputTranscript, Text: "Hel"},
		{Kind: live.EventInputTranscript, Text: "lo "},
		{Kind: live.EventOutputTranscript, Text: "Hi there"},
		{Kind: live.EventTurnComplete},
		{Kind: live.EventOutputTranscript, Text: "Ready?"},
	} {
		h.session.Emit(ev)
	}
	waitFor(t, "transcript", func() bool { return len(h.ctrl.Transcript()) == 3 })

	got := h.ctrl.Transcript()
	want := []struct {
		role  voice.Role
		text  string
		final bool
	}{
		{voice.RoleUser, "Hello ", true},
		{voice.RoleAI, "Hi there", true},
		{voice.RoleAI, "Ready?", false},
	}
	for i, w := range want {
		if got[i].Role != w.role || got[i].Text != w.text || got[i].Final != w.final {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], w)
		}
	}
}

func TestController_TranscriptNotJoinedAcrossSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.start(t)

	h.session.Emit(live.Event{Kind: live.EventInputTranscript, Text: "first session "})
	waitFor(t, "first delta", func() bool { return len(h.ctrl.Transcript()) == 1 })
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	h.mic.Capture = &audiomock.Capture{}
	h.speaker.Output = audiomock.NewOutput()
	h.provider.Session = livemock.NewSession()
	h.session = h.provider.Session
	h.start(t)
	h.session.Emit(live.Event{Kind: live.EventInputTranscript, Text: "second session"})
	waitFor(t, "second entry", func() bool { return len(h.ctrl.Transcript()) == 2 })

	got := h.ctrl.Transcript()
	if got[0].Text != "first session " || !got[0].Final {
		t.Errorf("entry 0 = %+v, want final %q", got[0], "first session ")
	}
	if got[1].Text != "second session" || got[1].Final {
		t.Errorf("entry 1 = %+v, want open %q", got[1], "second session")
	}
}

func TestController_StereoPlaybackDecodesMonoPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{Playback: audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 2}})
	h.start(t)

	h.session.Emit(chunk(100 * time.Millisecond))
	waitFor(t, "chunk scheduled", func() bool { return len(h.output.Calls()) == 1 })

	buf := h.output.Calls()[0].Buffer
	if buf.Channels != 1 {
		t.Errorf("buffer channels = %d, want 1", buf.Channels)
	}
	if want := int(audio.DurationToFrames(100*time.Millisecond, audio.PlaybackSampleRate)); buf.Frames() != want {
		t.Errorf("buffer frames = %d, want %d", buf.Frames(), want)
	}
}

func TestController_AuthErrorWhileActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.start(t)

	h.session.Emit(live.Event{Kind: live.EventError, Err: &live.ServerError{Code: 401, Status: "UNAUTHENTICATED"}})
	waitFor(t, "idle", func() bool { return h.ctrl.State() == voice.StateIdle })

	if !voice.IsAuthentication(h.ctrl.Err()) {
		t.Errorf("Err() = %v, want authentication", h.ctrl.Err())
	}
	errs := h.rec.Errors()
	if len(errs) != 1 || !voice.IsAuthentication(errs[0]) {
		t.Errorf("OnError = %v, want one authentication error", errs)
	}
	if _, err := h.creds.Get(context.Background()); !errors.Is(err, credential.ErrMissing) {
		t.Errorf("credential not invalidated: %v", err)
	}
	if !h.capture.Closed() || !h.output.Closed() || !h.session.Closed() {
		t.Error("resources not released")
	}
	if got := h.counter(t, "tutorlive.session.errors", attribute.String("kind", "authentication")); got != 1 {
		t.Errorf("session.errors{authentication} = %d, want 1", got)
	}

	if err := h.ctrl.Stop(); err != nil {
		t.Errorf("Stop = %v", err)
	}
	if got := h.ctrl.State(); got != voice.StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
}

func TestController_RemoteCloseEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.start(t)

	h.session.Emit(live.Event{Kind: live.EventClosed})
	waitFor(t, "idle", func() bool { return h.ctrl.State() == voice.StateIdle })

	if errs := h.rec.Errors(); len(errs) != 0 {
		t.Errorf("clean close reported errors: %v", errs)
	}
	if !h.capture.Closed() || !h.output.Closed() {
		t.Error("devices not released after remote close")
	}
}

func TestController_AbnormalCloseIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	h.start(t)

	h.session.Emit(live.Event{Kind: live.EventClosed, Err: errors.New("websocket: status 1011")})
	waitFor(t, "idle", func() bool { return h.ctrl.State() == voice.StateIdle })
	want := []voice.State{
		voice.StateAcquiringDevices, voice.StateConnecting, voice.StateActive,
		voice.StateClosing, voice.StateIdle,
	}
	if got := h.rec.States(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if kind := voice.KindOf(h.ctrl.Err()); kind != voice.KindUnspecifiedTransport {
		t.Errorf("kind = %v, want unspecified_transport", kind)
	}
	last := h.ctrl.Transcript()
	if len(last) == 0 || last[len(last)-1].Role != voice.RoleSystem {
		t.Error("no system transcript entry for the failure")
	}
}

func TestController_LevelAndUnsubscribe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, voice.Config{})
	extra := &recorder{}
	unsubscribe := h.ctrl.Subscribe(extra.listener())
	h.start(t)

	h.capture.Emit(frame(160, 0.5))
	if got := h.rec.Levels(); len(got) != 1 || got[0] != 0.5 {
		t.Errorf("levels = %v, want [0.5]", got)
	}

	unsubscribe()
	unsubscribe()
	h.capture.Emit(frame(160, 0.25))
	if got := extra.Levels(); len(got) != 1 {
		t.Errorf("unsubscribed listener got %d levels, want 1", len(got))
	}
	if got := h.rec.Levels(); len(got) != 2 {
		t.Errorf("subscribed listener got %d levels, want 2", len(got))
	}
}
