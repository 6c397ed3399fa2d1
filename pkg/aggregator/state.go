package aggregator

// State is a step of the aggregator's batch cycle.
type State int32

const (
	StateOpeningBatch State = iota
	StateDraining
	StateFlushing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateOpeningBatch:
		return "opening_batch"
	case StateDraining:
		return "draining"
	case StateFlushing:
		return "flushing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
