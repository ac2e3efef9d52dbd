package pipeline

// State is the single enumerated pipeline state. One run moves through
// Idle → Recording → Transcribing → Classifying → Applying → Idle and falls
// back to Idle from any stage on failure.
type State int

const (
	Idle State = iota
	Recording
	Transcribing
	Classifying
	Applying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Transcribing:
		return "transcribing"
	case Classifying:
		return "classifying"
	case Applying:
		return "applying"
	default:
		return "unknown"
	}
}

// Busy reports whether a run is in flight.
func (s State) Busy() bool { return s != Idle }

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
