package process

// State is the lifecycle state of a managed process.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
	StateCrashed  State = "crashed"
)

// transitions is the one-directional state transition table. Restarts are the
// terminal-to-starting edges.
var transitions = map[State][]State{
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateCreated, StateFailed, StateCrashed},
	StateRunning:  {StateStopping, StateStopped, StateCrashed, StateFailed},
	StateStopping: {StateStopped, StateCrashed},
	StateStopped:  {StateStarting, StateFailed},
	StateFailed:   {StateStarting},
	StateCrashed:  {StateStarting, StateFailed},
}

func (s State) canTransitionTo(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// CanStart reports whether a start request is valid from this state.
func (s State) CanStart() bool {
	switch s {
	case StateCreated, StateStopped, StateFailed, StateCrashed:
		return true
	}
	return false
}

// CanStop reports whether a stop request is valid from this state.
func (s State) CanStop() bool {
	return s == StateRunning || s == StateStarting
}

func (s State) String() string { return string(s) }
