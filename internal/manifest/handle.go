package manifest

import (
	"fmt"
	"sync/atomic"
)

// ResourceKind tags what a handle refers to. The set is closed on purpose:
// every kind the kernel can grant has exactly one teardown path.
type ResourceKind uint8

const (
	KindHeapRegion ResourceKind = iota
	KindLock
	KindChannelEndpoint
	KindHardwareResource
	KindChildTask

	kindCount
)

func (k ResourceKind) String() string {
	switch k {
	case KindHeapRegion:
		return "HeapRegion"
	case KindLock:
		return "Lock"
	case KindChannelEndpoint:
		return "ChannelEndpoint"
	case KindHardwareResource:
		return "HardwareResource"
	case KindChildTask:
		return "ChildTask"
	default:
		return "Unknown"
	}
}

// drainPriority orders teardown during Drain. Locks go first so nothing is
// released out from under a still-registered resource, heap regions before
// channel endpoints so a woken peer never sees unmapped memory, hardware
// next, child task handles last.
func (k ResourceKind) drainPriority() uint8 {
	switch k {
	case KindLock:
		return 0
	case KindHeapRegion:
		return 1
	case KindChannelEndpoint:
		return 2
	case KindHardwareResource:
		return 3
	case KindChildTask:
		return 4
	default:
		return 5
	}
}

// ResourceHandle is an opaque token for one kernel-granted resource: an
// 8-bit kind tag in the top byte and a 56-bit mint sequence below it.
// Handles are never reused while the system is up.
type ResourceHandle uint64

const handleSeqBits = 56

// Kind extracts the kind tag baked into the handle.
func (h ResourceHandle) Kind() ResourceKind {
	return ResourceKind(h >> handleSeqBits)
}

// Seq extracts the mint sequence.
func (h ResourceHandle) Seq() uint64 {
	return uint64(h) & (1<<handleSeqBits - 1)
}

func (h ResourceHandle) String() string {
	return fmt.Sprintf("%s#%d", h.Kind(), h.Seq())
}

// Minter hands out process-wide-unique handles.
type Minter struct {
	seq atomic.Uint64
}

// Mint returns a fresh handle of the given kind.
func (m *Minter) Mint(kind ResourceKind) ResourceHandle {
	s := m.seq.Add(1)
	return ResourceHandle(uint64(kind)<<handleSeqBits | s)
}
