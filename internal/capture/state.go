package capture

// RecorderState is the worker's command state. Exactly one holds at a
// time; both non-idle states start from and return to Idle.
type RecorderState int

const (
	Idle RecorderState = iota
	CapturingStill
	Recording
)

func (s RecorderState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case CapturingStill:
		return "CAPTURING_STILL"
	case Recording:
		return "RECORDING"
	default:
		return "UNKNOWN"
	}
}
