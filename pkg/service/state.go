package service

// State is the lifecycle state of a service.
type State int

const (
	// StateStopped indicates the service is not running. Services are constructed stopped.
	StateStopped State = iota
	// StateStarting indicates a start sequence is in progress.
	StateStarting
	// StateRunning indicates the service is running and accepting work.
	StateRunning
	// StateStopping indicates a stop sequence is in progress.
	StateStopping
	// StateStopFailed indicates a stop sequence failed. It is terminal: every
	// later Start or Stop fails until the service is replaced.
	StateStopFailed
)

var stateNames = [...]string{
	StateStopped:    "STOPPED",
	StateStarting:   "STARTING",
	StateRunning:    "RUNNING",
	StateStopping:   "STOPPING",
	StateStopFailed: "STOP_FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText encodes the state by name, so JSON carries "RUNNING" rather than 2.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
