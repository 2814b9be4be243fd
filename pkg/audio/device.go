// Package audio defines the sample types, wire encoding and device
// abstractions used by a live voice session.
//
// The device side has two halves:
//
//   - [Microphone] hands out a [Capture] that invokes a callback with one
//     slice of mono float samples per capture period.
//   - [Speaker] hands out an [Output] with its own clock on which decoded
//     [Buffer] values are scheduled as [Voice] instances.
//
// Backends live in sub-packages (audio/filedev, audio/mixer) and test
// doubles in audio/mock. The session controller is the only owner of these
// handles while a session is running.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceClosed is returned by operations on a released device handle.
var ErrDeviceClosed = errors.New("audio: device closed")

// Microphone acquires capture streams.
type Microphone interface {
	// Acquire opens the capture device in the requested format. It fails when
	// the device is unavailable or access is denied.
	Acquire(ctx context.Context, f Format) (Capture, error)
}

// Capture is an acquired, not yet running, capture stream.
type Capture interface {
	// Start begins delivering samples. fn is invoked from the capture
	// goroutine, serially, once per period; it must not block. The slice is
	// owned by the callee after the call.
	Start(fn func(samples []float32)) error

	// Stop halts delivery. After Stop returns fn is no longer invoked.
	// Safe to call more than once.
	Stop() error

	// Close releases the device. It implies Stop and is idempotent.
	Close() error
}

// Speaker acquires playback outputs.
type Speaker interface {
	Acquire(ctx context.Context, f Format) (Output, error)
}

// Output is a playback device with a monotonically increasing clock.
type Output interface {
	// Now reports the device clock: elapsed playback time since acquisition.
	Now() time.Duration

	// Schedule queues buf to begin at device time at. Times in the past start
	// immediately.
	Schedule(buf Buffer, at time.Duration) (Voice, error)

	// Close stops all voices and releases the device. Idempotent.
	Close() error
}

// Voice is one scheduled buffer on an [Output].
type Voice interface {
	// Stop silences the voice, whether it has started or not. Idempotent.
	Stop()

	// Done is closed when the voice finished playing or was stopped.
	Done() <-chan struct{}
}
