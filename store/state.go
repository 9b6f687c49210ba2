package store

import "fmt"

// State of a Store's lifecycle.
//
//	Uninitialized -> Hydrating -> Ready <-> Flushing -> ShuttingDown -> Terminated
type State int32

const (
	Uninitialized State = iota
	Hydrating
	Ready
	Flushing
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Hydrating:
		return "HYDRATING"
	case Ready:
		return "READY"
	case Flushing:
		return "FLUSHING"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case Terminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText encodes the State by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// serving is true of States in which records may be flushed.
func (s State) serving() bool { return s == Ready || s == Flushing || s == ShuttingDown }
