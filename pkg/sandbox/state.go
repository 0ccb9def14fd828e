package sandbox

import "fmt"

// State is the lifecycle state of a worker.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transitions lists the allowed state changes. Dead has no outgoing
// transitions; every state may move to Dead.
var transitions = map[State][]State{
	StateStarting: {StateReady, StateBusy, StateDead},
	StateReady:    {StateBusy, StateDraining, StateDead},
	StateBusy:     {StateReady, StateDraining, StateDead},
	StateDraining: {StateDead},
}

// validTransition reports whether from -> to is allowed.
func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
