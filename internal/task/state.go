package task

import "fmt"

// State is one point in the task lifecycle. Every path to Terminated goes
// through ExitingNormally or ExitingFaulted; that choke point is what
// guarantees the manifest is drained before the task object disappears.
type State uint8

const (
	Runnable State = iota
	Running
	Blocked
	ExitingNormally
	ExitingFaulted
	Terminated
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "Runnable"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case ExitingNormally:
		return "ExitingNormally"
	case ExitingFaulted:
		return "ExitingFaulted"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// validNext is the closed lifecycle transition table: no transition may
// skip the exiting states en route to Terminated. Only Running can enter
// an exiting state; a kill or fault posted against a Runnable or Blocked
// task is realized at its next dispatch, so those states never exit
// directly.
var validNext = map[State][]State{
	Runnable:        {Running},
	Running:         {Runnable, Blocked, ExitingNormally, ExitingFaulted},
	Blocked:         {Runnable},
	ExitingNormally: {Terminated},
	ExitingFaulted:  {Terminated},
	Terminated:      {},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// ErrBadTransition marks an illegal lifecycle step. Callers treat it as
// ownership-tracking corruption, not a recoverable condition.
type ErrBadTransition struct {
	TaskID ID
	From   State
	To     State
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("task %d: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}
