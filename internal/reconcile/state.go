package reconcile

// State is the phase the reconciler is in for the current batch.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateProjecting
	StatePublishing
	StateCompacting
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateProjecting:
		return "projecting"
	case StatePublishing:
		return "publishing"
	case StateCompacting:
		return "compacting"
	default:
		return "unknown"
	}
}
