package task

import (
	"sync"
	"sync/atomic"

	"spillsafe/internal/manifest"
)

// ID uniquely identifies a task. IDs are minted from a monotonic counter and
// never reused while the system is up.
type ID uint64

const (
	MinPriority = 0 // highest
	MaxPriority = 40
)

// Affinity is a bitmask of cores the task may run on. Zero means any core.
type Affinity uint64

// Allows reports whether the mask permits the given core.
func (a Affinity) Allows(core int) bool {
	return a == 0 || a&(1<<uint(core)) != 0
}

// On builds an affinity mask pinning to the listed cores.
func On(cores ...int) Affinity {
	var a Affinity
	for _, c := range cores {
		a |= 1 << uint(c)
	}
	return a
}

// ParkReason says why a running task handed control back to its core.
type ParkReason uint8

const (
	ParkYield ParkReason = iota
	ParkBlocked
	ParkExitNormal
	ParkFault
	ParkKilled
)

// ParkInfo travels from the task goroutine to the dispatch loop when the
// task reaches a safe point.
type ParkInfo struct {
	Reason      ParkReason
	Fault       FaultKind
	FaultDetail string
	Preempted   bool
}

// ResumeMsg travels the other way. Die tells the task to unwind its stack
// and exit instead of continuing user code.
type ResumeMsg struct {
	Die bool
}

// AddressSpaceRef is the non-owning, ref-counted reference a task holds to
// its address space. The space itself belongs to the memory manager.
type AddressSpaceRef interface {
	IncRef()
	DecRef()
	Tag() string
}

// Task is one unit of concurrent execution: an entry function, the handoff
// channels standing in for saved register state, and exactly one
// StateManifest for its whole lifetime.
type Task struct {
	id       ID
	homeCore int

	mu        sync.Mutex
	state     State
	priority  int
	affinity  Affinity
	aspace    AddressSpaceRef
	blockedOn manifest.ResourceHandle

	manifest *manifest.StateManifest

	resumeCh chan ResumeMsg
	parkCh   chan ParkInfo
	done     chan struct{}

	pendingKill  atomic.Bool
	pendingFault atomic.Int32 // FaultKind+1, 0 = none
	preempt      atomic.Bool
	claimed      atomic.Bool
	sliceLeft    atomic.Int64

	enqueueSeq atomic.Uint64
}

// New creates a task in Runnable state with an empty manifest built from the
// supplied teardown table. Priority is clamped into the legal band.
func New(id ID, priority int, affinity Affinity, teardowns manifest.TeardownTable) *Task {
	if priority < MinPriority {
		priority = MinPriority
	} else if priority > MaxPriority {
		priority = MaxPriority
	}
	return &Task{
		id:       id,
		state:    Runnable,
		priority: priority,
		affinity: affinity,
		manifest: manifest.New(uint64(id), teardowns),
		resumeCh: make(chan ResumeMsg, 1),
		parkCh:   make(chan ParkInfo, 1),
		done:     make(chan struct{}),
	}
}

func (t *Task) ID() ID                            { return t.id }
func (t *Task) Manifest() *manifest.StateManifest { return t.manifest }

// Done is closed once the task reaches Terminated.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// SetPriority re-clamps and stores a new priority. Requeueing under the new
// band is the scheduler's job.
func (t *Task) SetPriority(p int) {
	if p < MinPriority {
		p = MinPriority
	} else if p > MaxPriority {
		p = MaxPriority
	}
	t.mu.Lock()
	t.priority = p
	t.mu.Unlock()
}

func (t *Task) Affinity() Affinity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.affinity
}

// HomeCore is fixed at spawn; there is no live migration.
func (t *Task) HomeCore() int        { return t.homeCore }
func (t *Task) SetHomeCore(core int) { t.homeCore = core }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves the task along the lifecycle table, rejecting any step
// the table does not allow.
func (t *Task) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.state, to) {
		return &ErrBadTransition{TaskID: t.id, From: t.state, To: to}
	}
	t.state = to
	if to == Terminated {
		close(t.done)
	}
	return nil
}

// BlockedOn records the awaited resource while the task is Blocked.
func (t *Task) SetBlockedOn(h manifest.ResourceHandle) {
	t.mu.Lock()
	t.blockedOn = h
	t.mu.Unlock()
}

func (t *Task) BlockedOn() manifest.ResourceHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedOn
}

// Address space reference counting. The reference must stay valid until the
// task is Terminated.
func (t *Task) BindAddressSpace(ref AddressSpaceRef) {
	ref.IncRef()
	t.mu.Lock()
	t.aspace = ref
	t.mu.Unlock()
}

func (t *Task) AddressSpace() AddressSpaceRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aspace
}

// DropAddressSpace releases the reference at termination.
func (t *Task) DropAddressSpace() {
	t.mu.Lock()
	ref := t.aspace
	t.aspace = nil
	t.mu.Unlock()
	if ref != nil {
		ref.DecRef()
	}
}

// Park hands control to the dispatch loop and waits to be resumed.
// Called only from the task's own goroutine.
func (t *Task) Park(info ParkInfo) ResumeMsg {
	t.parkCh <- info
	return <-t.resumeCh
}

// ParkFinal reports a terminal park; the task goroutine returns right after,
// so no resume is awaited.
func (t *Task) ParkFinal(info ParkInfo) {
	t.parkCh <- info
}

// Resume wakes the parked task and waits for its next park.
// Called only from the owning core's dispatch loop.
func (t *Task) Resume(msg ResumeMsg) ParkInfo {
	t.resumeCh <- msg
	return <-t.parkCh
}

// AwaitFirstResume blocks the freshly started runner until first dispatch.
func (t *Task) AwaitFirstResume() ResumeMsg { return <-t.resumeCh }

// Deferred-kill flag, checked at every safe point.
func (t *Task) RequestKill()        { t.pendingKill.Store(true) }
func (t *Task) KillRequested() bool { return t.pendingKill.Load() }

// RequestFault records an externally delivered fault so the teardown path
// can report the right kind once the task reaches its next safe point.
func (t *Task) RequestFault(kind FaultKind) {
	t.pendingFault.CompareAndSwap(0, int32(kind)+1)
}

// PendingFault returns the externally delivered fault, if any.
func (t *Task) PendingFault() (FaultKind, bool) {
	v := t.pendingFault.Load()
	if v == 0 {
		return FaultUnknown, false
	}
	return FaultKind(v - 1), true
}

// Preemption request, posted by the tick handler on slice exhaustion.
func (t *Task) RequestPreempt()        { t.preempt.Store(true) }
func (t *Task) ClearPreempt()          { t.preempt.Store(false) }
func (t *Task) PreemptRequested() bool { return t.preempt.Load() }

// ClaimTeardown is the single serialization point for recovery: whichever
// actor claims first runs the drain, any second attempt no-ops.
func (t *Task) ClaimTeardown() bool { return t.claimed.CompareAndSwap(false, true) }
func (t *Task) TeardownClaimed() bool { return t.claimed.Load() }

// Time-slice accounting, driven by the tick handler.
func (t *Task) ResetSlice(ticks int64) { t.sliceLeft.Store(ticks) }
func (t *Task) TickSlice() int64       { return t.sliceLeft.Add(-1) }

// EnqueueSeq orders tasks FIFO within a priority band.
func (t *Task) SetEnqueueSeq(s uint64) { t.enqueueSeq.Store(s) }
func (t *Task) EnqueueSeq() uint64     { return t.enqueueSeq.Load() }
