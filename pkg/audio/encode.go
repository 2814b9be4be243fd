package audio

import "math"

// Encoder turns captured float samples into transport blobs. It is stateless
// and safe to call from a real-time capture callback.
type Encoder struct {
	// SampleRate is advertised in the blob's media type.
	SampleRate int
}

// Encode produces exactly one Blob for samples. The samples must be mono;
// multi-channel input is a caller error and is encoded as if it were mono.
func (e Encoder) Encode(samples []float32) Blob {
	rate := e.SampleRate
	if rate <= 0 {
		rate = CaptureSampleRate
	}
	return Blob{
		MIMEType: PCMType(rate),
		Data:     EncodePCM16(samples),
	}
}

// EncodePCM16 quantises samples in [-1, 1] to little-endian int16. Values
// outside the unit range are clamped and NaN becomes silence. Sample count
// and order are preserved.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := quantize(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func quantize(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	}
	return int16(s * 32768)
}

// PCM16ToFloat converts little-endian int16 PCM into float samples in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// Level returns the RMS level of samples in [0, 1], the value a VU meter
// shows for one capture period. NaN samples count as silence.
func Level(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if math.IsNaN(float64(s)) {
			continue
		}
		v := math.Max(-1, math.Min(1, float64(s)))
		sum += v * v
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
