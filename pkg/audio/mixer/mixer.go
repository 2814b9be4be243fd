package mixer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tutorlive/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output  = (*Output)(nil)
	_ audio.Speaker = Device{}
)

// DefaultPeriod is the render interval of the real-time clock.
const DefaultPeriod = 20 * time.Millisecond

// Option configures an [Output] during construction.
type Option func(*Output)

// WithPeriod sets the render interval. Non-positive values are ignored.
func WithPeriod(d time.Duration) Option {
	return func(o *Output) {
		if d > 0 {
			o.period = d
		}
	}
}

// WithManualClock disables the real-time render loop. The clock then only
// moves when [Output.Advance] is called.
func WithManualClock() Option {
	return func(o *Output) {
		o.manual = true
	}
}

// WithLogger sets the logger used for sink write failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *Output) {
		if l != nil {
			o.log = l
		}
	}
}

// Output mixes scheduled buffers onto a single PCM16 stream.
//
// Voices whose time ranges overlap are summed and clipped. All exported
// methods are safe for concurrent use.
type Output struct {
	w      io.Writer
	format audio.Format
	period time.Duration
	manual bool
	log    *slog.Logger

	mu      sync.Mutex
	pos     int64 // frames rendered
	pending voiceHeap
	active  []*voice
	seq     uint64
	closed  bool

	writeWarn sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates an Output rendering to w (io.Discard when nil) in format f.
// Unless [WithManualClock] is given, a render goroutine starts immediately;
// call [Output.Close] to stop it.
func New(w io.Writer, f audio.Format, opts ...Option) *Output {
	if w == nil {
		w = io.Discard
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	if f.SampleRate <= 0 {
		f.SampleRate = audio.PlaybackSampleRate
	}
	o := &Output{
		w:      w,
		format: f,
		period: DefaultPeriod,
		log:    slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	heap.Init(&o.pending)
	if !o.manual {
		o.wg.Add(1)
		go o.loop()
	}
	return o
}

// Format returns the output's sample format.
func (o *Output) Format() audio.Format { return o.format }

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return audio.FramesToDuration(o.pos, o.format.SampleRate)
}

// Schedule implements [audio.Output]. The start time is rounded to the
// nearest frame and never earlier than the current clock. A buffer with
// fewer channels than the output is spread across the output channels.
func (o *Output) Schedule(buf audio.Buffer, at time.Duration) (audio.Voice, error) {
	if buf.SampleRate != o.format.SampleRate {
		return nil, fmt.Errorf("mixer: buffer rate %d does not match output rate %d", buf.SampleRate, o.format.SampleRate)
	}
	if buf.Channels <= 0 {
		return nil, errors.New("mixer: buffer has no channels")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrDeviceClosed
	}

	start := audio.DurationToFrames(at, o.format.SampleRate)
	if start < o.pos {
		start = o.pos
	}
	o.seq++
	v := &voice{out: o, buf: buf, start: start, seq: o.seq, done: make(chan struct{})}
	if buf.Frames() == 0 {
		v.finish()
		return v, nil
	}
	heap.Push(&o.pending, v)
	return v, nil
}

// Voices reports how many voices are waiting or sounding.
func (o *Output) Voices() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.pending {
		if !v.stopped {
			n++
		}
	}
	for _, v := range o.active {
		if !v.stopped {
			n++
		}
	}
	return n
}

// Advance renders d worth of audio immediately. It is intended for use with
// [WithManualClock].
func (o *Output) Advance(d time.Duration) error {
	o.mu.Lock()
	end := o.pos + audio.DurationToFrames(d, o.format.SampleRate)
	o.mu.Unlock()
	return o.renderUntil(end)
}

// Close stops every voice, stops the render loop and closes the sink if it
// implements io.Closer. Close is idempotent.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	voices := append([]*voice(nil), o.active...)
	voices = append(voices, o.pending...)
	o.active = nil
	o.pending = nil
	o.mu.Unlock()

	close(o.done)
	o.wg.Wait()
	for _, v := range voices {
		v.finish()
	}
	if c, ok := o.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// loop advances the clock in step with wall time.
func (o *Output) loop() {
	defer o.wg.Done()

	t := time.NewTicker(o.period)
	defer t.Stop()
	started := time.Now()
	for {
		select {
		case <-o.done:
			return
		case <-t.C:
			target := audio.DurationToFrames(time.Since(started), o.format.SampleRate)
			if err := o.renderUntil(target); errors.Is(err, audio.ErrDeviceClosed) {
				return
			}
		}
	}
}

// renderUntil mixes and writes frames up to (not including) end.
func (o *Output) renderUntil(end int64) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return audio.ErrDeviceClosed
	}
	if end <= o.pos {
		o.mu.Unlock()
		return nil
	}

	channels := o.format.Channels
	mix := make([]float32, int(end-o.pos)*channels)
	for o.pending.Len() > 0 && o.pending[0].start < end {
		v := heap.Pop(&o.pending).(*voice)
		if !v.stopped {
			o.active = append(o.active, v)
		}
	}

	var finished []*voice
	kept := o.active[:0]
	for _, v := range o.active {
		if v.stopped {
			continue
		}
		v.mixInto(mix, o.pos, end, channels)
		if v.end() <= end {
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(o.active[len(kept):])
	o.active = kept
	o.pos = end

	_, err := o.w.Write(audio.EncodePCM16(mix))
	o.mu.Unlock()

	for _, v := range finished {
		v.finish()
	}
	if err != nil {
		o.writeWarn.Do(func() {
			o.log.Warn("mixer: sink write failed", "err", err)
		})
		return fmt.Errorf("mixer: write: %w", err)
	}
	return nil
}

// voice is a single scheduled buffer.
type voice struct {
	out     *Output
	buf     audio.Buffer
	start   int64
	seq     uint64
	stopped bool // guarded by out.mu

	done chan struct{}
	once sync.Once
}

func (v *voice) end() int64 { return v.start + int64(v.buf.Frames()) }

// mixInto adds the part of v that falls into [from, to) onto mix.
func (v *voice) mixInto(mix []float32, from, to int64, channels int) {
	first := max(v.start, from)
	last := min(v.end(), to)
	bch := v.buf.Channels
	for f := first; f < last; f++ {
		src := int(f-v.start) * bch
		dst := int(f-from) * channels
		for c := range channels {
			mix[dst+c] += v.buf.Samples[src+c%bch]
		}
	}
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.out.mu.Lock()
	v.stopped = true
	v.out.mu.Unlock()
	v.finish()
}

// Done implements [audio.Voice].
func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) finish() {
	v.once.Do(func() { close(v.done) })
}

// Device is an [audio.Speaker] that creates an [Output] per acquisition.
type Device struct {
	// Open returns the PCM sink for a newly acquired output. A nil Open
	// discards audio.
	Open func(f audio.Format) (io.Writer, error)

	// Options are applied to every acquired Output.
	Options []Option
}

// Acquire implements [audio.Speaker].
func (d Device) Acquire(ctx context.Context, f audio.Format) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var w io.Writer = io.Discard
	if d.Open != nil {
		sink, err := d.Open(f)
		if err != nil {
			return nil, fmt.Errorf("mixer: open sink: %w", err)
		}
		w = sink
	}
	return New(w, f, d.Options...), nil
}
