package voice

// State is the lifecycle state of the session controller.
type State int

const (
	StateIdle State = iota
	StateAcquiringDevices
	StateConnecting
	StateActive
	StateClosing
	// StateFailed is entered only when Start fails. A fatal error after the
	// session became active tears it down to StateIdle; see Controller.Err.
	StateFailed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateAcquiringDevices: "acquiring_devices",
	StateConnecting:       "connecting",
	StateActive:           "active",
	StateClosing:          "closing",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// PlaybackState is the observable state of a [Scheduler].
type PlaybackState int

const (
	// PlaybackEmpty: nothing queued.
	PlaybackEmpty PlaybackState = iota
	// PlaybackScheduled: buffers queued, none audible yet.
	PlaybackScheduled
	// PlaybackPlaying: at least one buffer is audible.
	PlaybackPlaying
	// PlaybackInterrupted: the queue was flushed by a barge-in and nothing
	// has been scheduled since.
	PlaybackInterrupted
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackEmpty:
		return "empty"
	case PlaybackScheduled:
		return "scheduled"
	case PlaybackPlaying:
		return "playing"
	case PlaybackInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}
