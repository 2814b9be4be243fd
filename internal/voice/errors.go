package voice

import (
	"errors"
	"fmt"

	"github.com/MrWong99/tutorlive/pkg/provider/live"
)

// ErrBusy is returned by [Controller.Start] when a session is already
// starting, running or closing, or a failure has not been acknowledged.
var ErrBusy = errors.New("voice: session already in progress")

// Kind classifies a session error.
type Kind int

const (
	// KindDeviceAcquisition: microphone or playback output could not be
	// opened. Fatal.
	KindDeviceAcquisition Kind = iota + 1

	// KindTransportOpen: the transport could not be opened or never
	// acknowledged the session. Fatal.
	KindTransportOpen

	// KindTransientSend: one outbound frame could not be sent. The frame is
	// dropped and the session continues.
	KindTransientSend

	// KindDecode: one inbound audio chunk was malformed. The chunk is dropped
	// and playback continues.
	KindDecode

	// KindAuthentication: the credential was rejected. Fatal, and the
	// credential store has been asked to re-collect it.
	KindAuthentication

	// KindUnspecifiedTransport: the transport failed mid-session. Fatal.
	KindUnspecifiedTransport
)

var kindNames = map[Kind]string{
	KindDeviceAcquisition:    "device_acquisition",
	KindTransportOpen:        "transport_open",
	KindTransientSend:        "transient_send",
	KindDecode:               "decode",
	KindAuthentication:       "authentication",
	KindUnspecifiedTransport: "unspecified_transport",
}

// String returns the snake_case name used in logs and metric attributes.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Fatal reports whether errors of this kind end the session.
func (k Kind) Fatal() bool {
	return k != KindTransientSend && k != KindDecode
}

// Error is the single error type surfaced by the voice core.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "voice: " + e.Kind.String()
	}
	return fmt.Sprintf("voice: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first [*Error] in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsAuthentication reports whether err is the distinct re-authentication
// signal: the caller should prompt for a new credential rather than show a
// generic failure.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}

// classifyTransport maps a transport failure onto the fatal kinds.
func classifyTransport(err error, fallback Kind) *Error {
	if live.IsAuthError(err) {
		return newError(KindAuthentication, err)
	}
	return newError(fallback, err)
}
