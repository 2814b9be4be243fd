package audio

import (
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// ErrMalformedPCM is returned when an inbound payload is empty or not a
// whole number of 16-bit sample frames.
var ErrMalformedPCM = errors.New("audio: malformed pcm payload")

// DecodePCM16 decodes little-endian int16 PCM captured at srcRate into a
// float Buffer at targetRate. The output duration equals the source
// duration up to interpolation rounding.
func DecodePCM16(raw []byte, srcRate, targetRate, channels int) (Buffer, error) {
	if channels <= 0 {
		channels = 1
	}
	if srcRate <= 0 {
		return Buffer{}, fmt.Errorf("%w: source rate %d", ErrMalformedPCM, srcRate)
	}
	if targetRate <= 0 {
		targetRate = srcRate
	}
	if len(raw) == 0 || len(raw)%(2*channels) != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes for %d channels", ErrMalformedPCM, len(raw), channels)
	}
	pcm := Resample16(raw, channels, srcRate, targetRate)
	return Buffer{
		Samples:    PCM16ToFloat(pcm),
		SampleRate: targetRate,
		Channels:   channels,
	}, nil
}

// ParseRate extracts the rate parameter from a media type such as
// "audio/pcm;rate=24000".
func ParseRate(mimeType string) (int, bool) {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		// Some servers omit the parameter separator spacing rules; fall back.
		_, after, ok := strings.Cut(mimeType, "rate=")
		if !ok {
			return 0, false
		}
		params = map[string]string{"rate": strings.TrimSpace(after)}
	}
	v, ok := params["rate"]
	if !ok {
		return 0, false
	}
	rate, err := strconv.Atoi(v)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}
