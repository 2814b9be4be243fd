// Package live defines the Transport Session contract for real-time duplex
// voice models.
//
// A [Provider] opens a [Session]: a long-lived bidirectional stream that
// accepts encoded microphone frames via [Session.Send] and delivers everything
// the remote model produces (transcript deltas, synthesised audio, turn
// boundaries, interruptions, errors) as a single ordered stream of [Event]
// values. Keeping one channel for all inbound traffic preserves the order in
// which the server sent it.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/tutorlive/pkg/audio"
)

// Modality names an output modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// Config is the session configuration sent when the stream opens.
type Config struct {
	// APIKey authenticates the session. It is never logged.
	APIKey string

	// Model identifies the remote model, e.g. "gemini-2.5-flash-native-audio-preview-09-2025".
	Model string

	// Voice is the prebuilt voice used for synthesised speech.
	Voice string

	// Instructions is the system instruction for the whole session.
	Instructions string

	// Modalities requested for responses. Empty means audio only.
	Modalities []Modality

	// InputTranscription enables transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription enables transcripts of the model's speech.
	OutputTranscription bool
}

// LogValue implements [slog.LogValuer] and keeps the API key out of logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("model", c.Model),
		slog.String("voice", c.Voice),
		slog.Int("instructions_len", len(c.Instructions)),
		slog.Bool("input_transcription", c.InputTranscription),
		slog.Bool("output_transcription", c.OutputTranscription),
		slog.String("api_key", "[redacted]"),
	)
}

// EventKind tags the variant of an [Event].
type EventKind int

const (
	// EventOpen is the server's acknowledgement that the session is set up.
	EventOpen EventKind = iota + 1
	// EventInputTranscript carries a delta of the user's recognised speech.
	EventInputTranscript
	// EventOutputTranscript carries a delta of the model's spoken text.
	EventOutputTranscript
	// EventAudio carries one chunk of synthesised PCM16 audio.
	EventAudio
	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete
	// EventInterrupted reports that the user barged in on the model.
	EventInterrupted
	// EventError carries a server-reported error. The session may continue.
	EventError
	// EventClosed is the final event. Err is nil on a clean close.
	EventClosed
)

var eventKindNames = map[EventKind]string{
	EventOpen:             "open",
	EventInputTranscript:  "input_transcript",
	EventOutputTranscript: "output_transcript",
	EventAudio:            "audio",
	EventTurnComplete:     "turn_complete",
	EventInterrupted:      "interrupted",
	EventError:            "error",
	EventClosed:           "closed",
}

// String returns the snake_case name of the kind.
func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one inbound item from the remote peer.
type Event struct {
	Kind EventKind

	// Text is set for transcript deltas.
	Text string

	// Audio and MIMEType are set for EventAudio.
	Audio    []byte
	MIMEType string

	// Err is set for EventError, and for EventClosed when the stream ended
	// abnormally.
	Err error
}

// Session is an open transport session.
type Session interface {
	// Send transmits one encoded frame. It may block on network I/O and must
	// not be called from a real-time capture callback. Returns [ErrClosed]
	// after Close.
	Send(blob audio.Blob) error

	// Events returns the inbound stream. Events are delivered in the order
	// the server sent them. The channel is closed after [EventClosed], or
	// when Close is called.
	Events() <-chan Event

	// Close releases the connection. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider opens sessions against one backend.
type Provider interface {
	// Connect dials the backend and sends the session configuration. The
	// returned session is usable once [EventOpen] arrives. A rejected
	// credential yields an error matching [ErrAuthentication].
	Connect(ctx context.Context, cfg Config) (Session, error)
}

var (
	// ErrAuthentication reports an invalid, expired or revoked credential.
	ErrAuthentication = errors.New("live: authentication rejected")

	// ErrClosed is returned by Send after the session was closed.
	ErrClosed = errors.New("live: session closed")
)

// IsAuthError reports whether err means the credential must be re-collected.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
