package core

var transitions = map[State][]State{
	StateNew:     {StateWaiting, StateDelayed},
	StateWaiting: {StateActive, StateDelayed, StateRemoved},
	StateDelayed: {StateWaiting, StateRemoved},
	StateActive:  {StateCompleted, StateDelayed, StateFailed, StateWaiting},
}

// CanTransition reports whether a job may move from one state to another.
// Terminal states have no outgoing edges.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
