package filedev

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/tutorlive/pkg/audio"
	"github.com/MrWong99/tutorlive/pkg/audio/mixer"
)

// NewSpeaker returns a mixer-backed speaker recording to path. Files ending
// in ".wav" get a WAV header; anything else receives raw PCM16. An empty path
// discards all audio.
func NewSpeaker(path string, opts ...mixer.Option) mixer.Device {
	dev := mixer.Device{Options: opts}
	if path == "" {
		return dev
	}
	dev.Open = func(f audio.Format) (io.Writer, error) {
		file, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("filedev: create %s: %w", path, err)
		}
		if !isWAV(path) {
			return file, nil
		}
		w, err := NewWAVWriter(file, f)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		return w, nil
	}
	return dev
}

func isWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}
