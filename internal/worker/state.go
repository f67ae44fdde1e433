package worker

import "fmt"

// Role distinguishes the single worker that attaches the classifier.
type Role int

const (
	Follower Role = iota
	Leader
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is a worker lifecycle state.
type State int32

const (
	StateInit State = iota
	StatePinned
	StateSocketOpen
	StatePortShared
	StateBound
	StateRegistered
	StateAttaching
	StateServing
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateInit:       "init",
	StatePinned:     "pinned",
	StateSocketOpen: "socket_open",
	StatePortShared: "port_shared",
	StateBound:      "bound",
	StateRegistered: "registered",
	StateAttaching:  "attaching",
	StateServing:    "serving",
	StateClosed:     "closed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText lets states appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the worker has stopped for good.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
