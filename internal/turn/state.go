package turn

// State is the turn controller's position in the listen, think, speak cycle.
type State int32

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
	Interrupted
	Draining
)

// String returns the upper-case state name used in telemetry.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Listening:
		return "LISTENING"
	case Thinking:
		return "THINKING"
	case Speaking:
		return "SPEAKING"
	case Interrupted:
		return "INTERRUPTED"
	case Draining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}
