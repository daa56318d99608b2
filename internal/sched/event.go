package sched

import (
	"time"

	"spillsafe/internal/task"
)

// StatusKind represents the type of kernel event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusSpawn
	StatusDispatch
	StatusYield
	StatusPreempt
	StatusBlock
	StatusWake
	StatusExit
	StatusFault
	StatusKill
	StatusDrain
	StatusLeak
	StatusPriorityUpdate
	StatusTick
)

// StatusEvent is emitted every tick or on key scheduling and recovery
// actions. Consumers read them from Kernel.Events().
type StatusEvent struct {
	Time   time.Time
	Tick   int64
	Kind   StatusKind
	TaskID task.ID
	CoreID int
	Detail string
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusSpawn:
		return "Spawn"
	case StatusDispatch:
		return "Dispatch"
	case StatusYield:
		return "Yield"
	case StatusPreempt:
		return "Preempt"
	case StatusBlock:
		return "Block"
	case StatusWake:
		return "Wake"
	case StatusExit:
		return "Exit"
	case StatusFault:
		return "Fault"
	case StatusKill:
		return "Kill"
	case StatusDrain:
		return "Drain"
	case StatusLeak:
		return "Leak"
	case StatusPriorityUpdate:
		return "PriorityUpdate"
	case StatusTick:
		return "Tick"
	default:
		return "Unknown"
	}
}
