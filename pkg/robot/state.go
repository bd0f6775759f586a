package robot

// State is the observable lifecycle state of a Handle.
type State int

const (
	// StateIdle means no open queue and nothing outstanding.
	StateIdle State = iota
	// StateBuilding means a queue is open between ProgStart and ProgRun.
	StateBuilding
	// StateDispatching means commands are handed off and not yet all
	// acknowledged.
	StateDispatching
	// StateFaulted means a fault is latched until the next ProgStart.
	StateFaulted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateDispatching:
		return "dispatching"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
