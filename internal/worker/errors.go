package worker

import "fmt"

// StartupError reports the startup phase a worker failed to reach.
type StartupError struct {
	CPU   int
	Phase State
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("cpu %d: %s failed: %v", e.CPU, e.Kind(), e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Kind classifies the failure the way operators read it: affinity, socket, table or attach.
func (e *StartupError) Kind() string {
	switch e.Phase {
	case StatePinned:
		return "affinity"
	case StateSocketOpen:
		return "socket create"
	case StatePortShared:
		return "socket share"
	case StateBound:
		return "socket bind"
	case StateRegistered:
		return "table register"
	case StateAttaching:
		return "classifier attach"
	default:
		return e.Phase.String()
	}
}
