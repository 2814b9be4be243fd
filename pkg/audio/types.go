package audio

import (
	"fmt"
	"time"
)

const (
	// CaptureSampleRate is the microphone rate expected by the remote model.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of the model's synthesised speech.
	PlaybackSampleRate = 24000
)

// AudioFrame represents a single slice of 16-bit little-endian PCM audio.
// Capture backends produce frames on a fixed cadence; frames are immutable once
// produced and ownership moves along the pipeline with the value.
type AudioFrame struct {
	// PCM audio data, little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Blob is the transport-ready encoding of one captured frame: a media type
// such as "audio/pcm;rate=16000" plus the raw payload bytes.
type Blob struct {
	MIMEType string
	Data     []byte
}

// PCMType returns the media type for 16-bit PCM at the given rate.
func PCMType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Buffer is decoded audio in the playback engine's native representation:
// interleaved float32 samples in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	return FramesToDuration(int64(b.Frames()), b.SampleRate)
}

// FramesToDuration converts a frame count at rate into a duration.
func FramesToDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(rate))
}

// DurationToFrames converts d into the nearest whole frame count at rate.
func DurationToFrames(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
