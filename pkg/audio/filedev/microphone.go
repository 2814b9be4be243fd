// Package filedev provides file-backed audio devices: a [Microphone] that
// replays a WAV or raw PCM16 file at real-time pace and a WAV sink for the
// software mixer output.
package filedev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/tutorlive/pkg/audio"
)

var _ audio.Microphone = (*Microphone)(nil)

// DefaultFrameSamples is the number of samples delivered per capture period.
const DefaultFrameSamples = 4096

// Microphone replays an audio file as if it were live capture.
type Microphone struct {
	// Path of the input file.
	Path string

	// Raw, when non-zero, treats the file as headerless PCM16 in this format.
	// Otherwise the file must be WAV.
	Raw audio.Format

	// FrameSamples per callback. Zero means DefaultFrameSamples.
	FrameSamples int

	// Period between callbacks. Zero derives it from FrameSamples and the
	// requested rate so the file plays in real time.
	Period time.Duration

	// Loop restarts the file when it ends instead of stopping.
	Loop bool

	Log *slog.Logger
}

// Acquire loads the file and converts it to mono at f's rate. It fails when
// the file cannot be read or parsed.
func (m *Microphone) Acquire(ctx context.Context, f audio.Format) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("filedev: open microphone: %w", err)
	}

	src := m.Raw
	pcm := data
	if src.SampleRate == 0 {
		src, pcm, err = ReadWAV(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("filedev: %s: %w", m.Path, err)
		}
	}
	if src.Channels <= 0 {
		src.Channels = 1
	}
	pcm = pcm[:len(pcm)-len(pcm)%(2*src.Channels)]

	log := m.Log
	if log == nil {
		log = slog.Default()
	}
	if f.SampleRate <= 0 {
		f.SampleRate = audio.CaptureSampleRate
	}
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: f.SampleRate, Channels: 1}, Log: log}
	frame := conv.Convert(audio.AudioFrame{Data: pcm, SampleRate: src.SampleRate, Channels: src.Channels})
	samples := audio.PCM16ToFloat(frame.Data)
	if len(samples) == 0 {
		return nil, fmt.Errorf("filedev: %s: no audio", m.Path)
	}

	n := m.FrameSamples
	if n <= 0 {
		n = DefaultFrameSamples
	}
	period := m.Period
	if period <= 0 {
		period = audio.FramesToDuration(int64(n), f.SampleRate)
	}
	log.Debug("file microphone acquired", "path", m.Path, "source", src.String(), "duration", audio.FramesToDuration(int64(len(samples)), f.SampleRate))
	return &Capture{
		samples:   samples,
		frame:     n,
		period:    period,
		loop:      m.Loop,
		exhausted: make(chan struct{}),
	}, nil
}

// Capture paces file samples out to a callback.
type Capture struct {
	samples []float32
	frame   int
	period  time.Duration
	loop    bool

	mu      sync.Mutex
	running bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup

	exhausted chan struct{}
	exhaust   sync.Once
}

// Start implements [audio.Capture].
func (c *Capture) Start(fn func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return audio.ErrDeviceClosed
	case c.running:
		return errors.New("filedev: capture already started")
	}
	c.running = true
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go c.run(fn, c.stop)
	return nil
}

func (c *Capture) run(fn func([]float32), stop <-chan struct{}) {
	defer c.wg.Done()

	t := time.NewTicker(c.period)
	defer t.Stop()
	pos := 0
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		if pos >= len(c.samples) {
			if !c.loop {
				c.exhaust.Do(func() { close(c.exhausted) })
				return
			}
			pos = 0
		}
		end := min(pos+c.frame, len(c.samples))
		chunk := make([]float32, c.frame)
		copy(chunk, c.samples[pos:end])
		pos = end
		fn(chunk)
	}
}

// Exhausted is closed once a non-looping file has been fully delivered.
func (c *Capture) Exhausted() <-chan struct{} { return c.exhausted }

// Stop implements [audio.Capture].
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	err := c.Stop()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}
