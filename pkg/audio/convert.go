package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter brings PCM16 frames from arbitrary capture devices or
// files into a single target format. The first mismatch is logged once.
// Not safe for concurrent use; create one per stream.
type FormatConverter struct {
	Target   Format
	Log      *slog.Logger
	mismatch sync.Once
	corrupt  sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Convert returns frame in the target format. Frames that already match are
// returned as-is. A frame whose byte length is not a whole number of sample
// frames yields an empty frame.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if src.Channels <= 0 || len(frame.Data)%(2*src.Channels) != 0 {
		c.corrupt.Do(func() {
			c.logger().Warn("format converter: misaligned pcm, dropping frame",
				"bytes", len(frame.Data), "format", src.String())
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if src == c.Target {
		return frame
	}
	c.mismatch.Do(func() {
		c.logger().Debug("format converter: converting", "from", src.String(), "to", c.Target.String())
	})

	pcm := frame.Data
	// Downmix before resampling so fewer channels are interpolated.
	if c.Target.Channels == 1 && src.Channels > 1 {
		pcm = Downmix16(pcm, src.Channels)
		src.Channels = 1
	}
	pcm = Resample16(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
	if c.Target.Channels > src.Channels && src.Channels == 1 {
		pcm = Upmix16(pcm, c.Target.Channels)
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}

// Downmix16 averages each interleaved frame of channels samples into one.
func Downmix16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for f := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(sampleAt(pcm, f*channels+ch))
		}
		putSample(out, f, int16(sum/int32(channels)))
	}
	return out
}

// Upmix16 copies each mono sample into channels interleaved slots.
func Upmix16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*2*channels)
	for i := range n {
		v := sampleAt(pcm, i)
		for ch := range channels {
			putSample(out, i*channels+ch, v)
		}
	}
	return out
}

// Resample16 converts interleaved PCM16 between rates with linear
// interpolation. Equal rates or invalid arguments return pcm unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			a := float64(sampleAt(pcm, idx*channels+ch))
			b := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(a*(1-frac)+b*frac))
		}
	}
	return out
}
