// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.Capture], [audio.Speaker] and [audio.Output] interfaces for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can assert
// on counts and arguments, and expose exported fields that control return
// values.
//
// Typical usage:
//
//	capt := &mock.Capture{}
//	mic := &mock.Microphone{Capture: capt}
//	out := mock.NewOutput()
//	spk := &mock.Speaker{Output: out}
//	// ... run the component under test ...
//	capt.Emit(samples)      // simulate one capture period
//	out.SetNow(time.Second) // move the device clock
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/tutorlive/pkg/audio"
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture]. Use [Capture.Emit] to deliver samples to
// the registered callback.
type Capture struct {
	mu sync.Mutex

	// StartErr is returned by Start.
	StartErr error

	// CallCountStart, CallCountStop and CallCountClose record invocations.
	CallCountStart int
	CallCountStop  int
	CallCountClose int

	fn      func([]float32)
	running bool
	closed  bool
}

// Start implements [audio.Capture].
func (c *Capture) Start(fn func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartErr != nil {
		return c.StartErr
	}
	if c.closed {
		return audio.ErrDeviceClosed
	}
	c.fn = fn
	c.running = true
	return nil
}

// Stop implements [audio.Capture].
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.running = false
	c.fn = nil
	return nil
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.running = false
	c.closed = true
	c.fn = nil
	return nil
}

// Running reports whether Start succeeded and neither Stop nor Close followed.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Closed reports whether Close has been called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Emit invokes the registered callback with samples, as the capture thread
// would. It reports false when capture is not running.
func (c *Capture) Emit(samples []float32) bool {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Capture is returned by Acquire when Err is nil.
	Capture *Capture

	// Err is returned by Acquire.
	Err error

	// Formats records the format passed to each Acquire call.
	Formats []audio.Format
}

// Acquire implements [audio.Microphone].
func (m *Microphone) Acquire(ctx context.Context, f audio.Format) (audio.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Formats = append(m.Formats, f)
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Capture == nil {
		m.Capture = &Capture{}
	}
	return m.Capture, nil
}

// CallCount returns how many times Acquire was called.
func (m *Microphone) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Formats)
}

// ─── Output ──────────────────────────────────────────────────────────────────

// ScheduleCall records one [Output.Schedule] invocation.
type ScheduleCall struct {
	Buffer audio.Buffer
	At     time.Duration
	// Now is the device clock at the time of the call.
	Now   time.Duration
	Voice *Voice
}

// Output is a mock [audio.Output] with a manually driven clock. Scheduled
// voices never finish on their own; call [Voice.Finish] or [Output.FinishAll].
type Output struct {
	mu sync.Mutex

	// ScheduleErr is returned by Schedule.
	ScheduleErr error

	now    time.Duration
	calls  []ScheduleCall
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutput returns an Output at time zero.
func NewOutput() *Output { return &Output{} }

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the device clock.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	if o.closed {
		return nil, audio.ErrDeviceClosed
	}
	v := newVoice()
	o.calls = append(o.calls, ScheduleCall{Buffer: buf, At: at, Now: o.now, Voice: v})
	return v, nil
}

// Calls returns a copy of every successful Schedule call in order.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ScheduleCall(nil), o.calls...)
}

// FinishAll completes every scheduled voice.
func (o *Output) FinishAll() {
	for _, c := range o.Calls() {
		c.Voice.Finish()
	}
}

// Close implements [audio.Output]. Every voice is stopped.
func (o *Output) Close() error {
	o.mu.Lock()
	o.CallCountClose++
	o.closed = true
	calls := append([]ScheduleCall(nil), o.calls...)
	o.mu.Unlock()
	for _, c := range calls {
		c.Voice.Stop()
	}
	return nil
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Voice is a mock [audio.Voice].
type Voice struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	once    sync.Once
}

func newVoice() *Voice { return &Voice{done: make(chan struct{})} }

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.Finish()
}

// Done implements [audio.Voice].
func (v *Voice) Done() <-chan struct{} { return v.done }

// Finish simulates natural completion.
func (v *Voice) Finish() { v.once.Do(func() { close(v.done) }) }

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker is a mock [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// Output is returned by Acquire when Err is nil. A fresh Output is created
	// when nil.
	Output *Output

	// Err is returned by Acquire.
	Err error

	// Formats records the format passed to each Acquire call.
	Formats []audio.Format
}

// Acquire implements [audio.Speaker].
func (s *Speaker) Acquire(ctx context.Context, f audio.Format) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Formats = append(s.Formats, f)
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Output == nil {
		s.Output = NewOutput()
	}
	return s.Output, nil
}

// CallCount returns how many times Acquire was called.
func (s *Speaker) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Formats)
}

// Compile-time interface assertions.
var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Capture    = (*Capture)(nil)
	_ audio.Speaker    = (*Speaker)(nil)
	_ audio.Output     = (*Output)(nil)
	_ audio.Voice      = (*Voice)(nil)
)
