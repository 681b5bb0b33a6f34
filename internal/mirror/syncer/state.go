package syncer

// State is the phase of the synchronizer state machine.
type State int

const (
	StateIdle State = iota
	StateReconciling
	StateApplying
	StateFailed
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReconciling:
		return "reconciling"
	case StateApplying:
		return "applying"
	case StateFailed:
		return "failed"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Halted reports whether the synchronizer stopped and needs operator intervention.
func (s State) Halted() bool {
	return s == StateFatal
}
