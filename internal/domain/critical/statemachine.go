package critical

import "fmt"

// Event drives a CriticalValue state transition.
type Event string

const (
	EventAcknowledge Event = "acknowledge"
	EventEscalate    Event = "escalate"
)

// transitions lists every legal move. Anything missing is rejected.
var transitions = map[State]map[Event]State{
	StatePending: {
		EventAcknowledge: StateAcknowledged,
		EventEscalate:    StateEscalated,
	},
	StateEscalated: {
		EventAcknowledge: StateEscalatedAcknowledged,
	},
	StateAcknowledged:          {},
	StateEscalatedAcknowledged: {},
}

// NextState returns the state reached from s on ev.
func NextState(s State, ev Event) (State, error) {
	moves, ok := transitions[s]
	if !ok {
		return "", fmt.Errorf("unknown state %q", s)
	}
	next, ok := moves[ev]
	if !ok {
		return "", fmt.Errorf("invalid transition: %s on %s", ev, s)
	}
	return next, nil
}

// canEscalate is the guard re-checked when an escalation timer fires.
func canEscalate(cv *CriticalValue) bool {
	return cv.State == StatePending && cv.Acknowledgment == nil
}
