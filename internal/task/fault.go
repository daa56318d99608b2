package task

import (
	"runtime"
	"strings"
)

// FaultKind is the abstract fault classification delivered by the exception
// subsystem (or synthesized from a recovered panic in this rendition).
type FaultKind uint8

const (
	FaultPageFault FaultKind = iota
	FaultIllegalInstruction
	FaultDivideError
	FaultAssertion
	FaultUnknown
)

func (k FaultKind) String() string {
	switch k {
	case FaultPageFault:
		return "PageFault"
	case FaultIllegalInstruction:
		return "IllegalInstruction"
	case FaultDivideError:
		return "DivideError"
	case FaultAssertion:
		return "Assertion"
	default:
		return "Unknown"
	}
}

// Fault carries a classified fault as a panic value, so a task body can
// raise a specific kind and the runner can classify it on recovery.
type Fault struct {
	Kind   FaultKind
	Detail string
}

func (f Fault) Error() string {
	if f.Detail == "" {
		return "fault: " + f.Kind.String()
	}
	return "fault: " + f.Kind.String() + ": " + f.Detail
}

// ClassifyPanic maps a recovered panic value onto a FaultKind, mirroring how
// hardware fault codes map onto the abstract enumeration: memory access
// violations become page faults, arithmetic traps become divide errors,
// explicit panics become assertions.
func ClassifyPanic(v any) (FaultKind, string) {
	switch p := v.(type) {
	case Fault:
		return p.Kind, p.Detail
	case *Fault:
		return p.Kind, p.Detail
	case runtime.Error:
		msg := p.Error()
		switch {
		case strings.Contains(msg, "divide by zero"):
			return FaultDivideError, msg
		case strings.Contains(msg, "nil pointer"),
			strings.Contains(msg, "index out of range"),
			strings.Contains(msg, "slice bounds out of range"):
			return FaultPageFault, msg
		default:
			return FaultIllegalInstruction, msg
		}
	case string:
		return FaultAssertion, p
	case error:
		return FaultAssertion, p.Error()
	default:
		return FaultUnknown, ""
	}
}
