package filedev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/tutorlive/pkg/audio"
)

// ErrNotWAV is returned when a stream has no RIFF/WAVE signature.
var ErrNotWAV = errors.New("filedev: not a wav stream")

// wavHeader is the canonical 44-byte header for 16-bit PCM.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func newWAVHeader(f audio.Format, dataSize uint32) wavHeader {
	block := uint16(f.Channels * 2)
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate) * uint32(block),
		BlockAlign:    block,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// ReadWAV parses a 16-bit PCM WAV stream and returns its format and sample
// data. Chunks other than "fmt " and "data" are skipped.
func ReadWAV(r io.Reader) (audio.Format, []byte, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return audio.Format{}, nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return audio.Format{}, nil, ErrNotWAV
	}

	var (
		f       audio.Format
		haveFmt bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return audio.Format{}, nil, fmt.Errorf("filedev: wav: missing data chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return audio.Format{}, nil, fmt.Errorf("filedev: wav: fmt chunk: %w", err)
			}
			if size < 16 {
				return audio.Format{}, nil, fmt.Errorf("filedev: wav: fmt chunk too short (%d bytes)", size)
			}
			if codec := binary.LittleEndian.Uint16(body[0:2]); codec != 1 {
				return audio.Format{}, nil, fmt.Errorf("filedev: wav: unsupported audio format %d (only PCM)", codec)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return audio.Format{}, nil, fmt.Errorf("filedev: wav: unsupported bit depth %d (only 16-bit)", bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			if f.Channels <= 0 || f.SampleRate <= 0 {
				return audio.Format{}, nil, fmt.Errorf("filedev: wav: invalid format %s", f)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return audio.Format{}, nil, errors.New("filedev: wav: data chunk before fmt chunk")
			}
			var buf bytes.Buffer
			// Streaming writers leave the size unset; read to EOF in that case.
			if size == 0 || size == 0xFFFFFFFF {
				if _, err := io.Copy(&buf, r); err != nil {
					return audio.Format{}, nil, fmt.Errorf("filedev: wav: data: %w", err)
				}
			} else if _, err := io.CopyN(&buf, r, int64(size)); err != nil {
				return audio.Format{}, nil, fmt.Errorf("filedev: wav: data: %w", err)
			}
			pcm := buf.Bytes()
			block := 2 * f.Channels
			return f, pcm[:len(pcm)-len(pcm)%block], nil
		default:
			skip := int64(size) + int64(size&1)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return audio.Format{}, nil, fmt.Errorf("filedev: wav: skip %q: %w", id, err)
			}
		}
	}
}

// WAVWriter streams PCM16 into a WAV container. When the destination is an
// io.WriteSeeker the header sizes are patched on Close.
type WAVWriter struct {
	w      io.Writer
	format audio.Format
	size   uint32
	closed bool
}

// NewWAVWriter writes a header for f to w and returns the writer.
func NewWAVWriter(w io.Writer, f audio.Format) (*WAVWriter, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("filedev: wav: invalid format %s", f)
	}
	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(f, 0)); err != nil {
		return nil, fmt.Errorf("filedev: wav: write header: %w", err)
	}
	return &WAVWriter{w: w, format: f}, nil
}

// Write appends raw little-endian PCM16.
func (ww *WAVWriter) Write(p []byte) (int, error) {
	if ww.closed {
		return 0, audio.ErrDeviceClosed
	}
	n, err := ww.w.Write(p)
	ww.size += uint32(n)
	return n, err
}

// Close finalises the header and closes the destination if it is an
// io.Closer. Idempotent.
func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true

	var errs []error
	if ws, ok := ww.w.(io.WriteSeeker); ok {
		if _, err := ws.Seek(0, io.SeekStart); err != nil {
			errs = append(errs, fmt.Errorf("filedev: wav: seek: %w", err))
		} else if err := binary.Write(ws, binary.LittleEndian, newWAVHeader(ww.format, ww.size)); err != nil {
			errs = append(errs, fmt.Errorf("filedev: wav: patch header: %w", err))
		}
	}
	if c, ok := ww.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
