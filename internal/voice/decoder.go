package voice

import (
	"github.com/MrWong99/tutorlive/pkg/audio"
	"github.com/MrWong99/tutorlive/pkg/provider/live"
)

// Decoder turns inbound audio events into playable buffers.
type Decoder struct {
	// TargetRate is the playback output rate. Default 24000.
	TargetRate int

	// Channels of the wire payload. Default 1.
	Channels int
}

// Decode converts ev's PCM16 payload to a [audio.Buffer] at TargetRate. The
// source rate comes from the event's media type and defaults to 24000 when
// absent. Failures are returned as [KindDecode] errors.
func (d Decoder) Decode(ev live.Event) (audio.Buffer, error) {
	src := audio.PlaybackSampleRate
	if r, ok := audio.ParseRate(ev.MIMEType); ok {
		src = r
	}
	target := d.TargetRate
	if target <= 0 {
		target = audio.PlaybackSampleRate
	}
	buf, err := audio.DecodePCM16(ev.Audio, src, target, d.Channels)
	if err != nil {
		return audio.Buffer{}, newError(KindDecode, err)
	}
	return buf, nil
}
