// internal/sched/taskcontext.go

package sched

import (
	"fmt"
	"log/slog"

	"spillsafe/internal/extres"
	"spillsafe/internal/manifest"
	"spillsafe/internal/task"
)

// TaskContext is the kernel-internal API a task body programs against.
// Every operation is a safe point: pending preemption and kill requests are
// honored on entry before the operation proceeds.
type TaskContext struct {
	k *Kernel
	t *task.Task
}

// ID returns the calling task's id.
func (tc *TaskContext) ID() task.ID { return tc.t.ID() }

// Priority returns the calling task's current priority.
func (tc *TaskContext) Priority() int { return tc.t.Priority() }

// Log returns the kernel logger scoped to this task.
func (tc *TaskContext) Log() *slog.Logger {
	return tc.k.log.With("task", tc.t.ID())
}

// Checkpoint is an explicit safe point for compute-bound bodies that would
// otherwise never observe preemption or a deferred kill.
func (tc *TaskContext) Checkpoint() {
	tc.k.safePoint(tc.t)
}

// Yield gives up the rest of the current time slice voluntarily.
func (tc *TaskContext) Yield() {
	tc.k.parkYield(tc.t, false)
}

// Exit terminates the task normally from anywhere in its body.
func (tc *TaskContext) Exit() {
	panic(exitUnwind{})
}

// Assert faults the task with an Assertion if cond is false.
func (tc *TaskContext) Assert(cond bool, detail string) {
	if !cond {
		panic(task.Fault{Kind: task.FaultAssertion, Detail: detail})
	}
}

// Spawn creates a child task; the child is additionally recorded in this
// task's manifest as a ChildTask entry, so the parent's ledger names every
// task it brought into the system. Channel endpoints listed in handoff are
// re-keyed into the child's manifest before it first runs.
func (tc *TaskContext) Spawn(entry EntryFunc, priority int, affinity task.Affinity, handoff ...manifest.ResourceHandle) (task.ID, error) {
	tc.k.safePoint(tc.t)
	child, err := tc.k.spawn(entry, priority, affinity, tc.t, handoff)
	if err != nil {
		return 0, err
	}
	h := tc.k.minter.Mint(manifest.KindChildTask)
	tc.k.mu.Lock()
	tc.k.children[h] = child.ID()
	tc.k.mu.Unlock()
	if err := tc.t.Manifest().Record(h); err != nil {
		tc.k.mu.Lock()
		delete(tc.k.children, h)
		tc.k.mu.Unlock()
		return child.ID(), err
	}
	return child.ID(), nil
}

// Kill forwards to the recovery controller.
func (tc *TaskContext) Kill(id task.ID) error {
	tc.k.safePoint(tc.t)
	err := tc.k.recovery.Kill(id)
	// Self-kill takes effect right here rather than at some later op.
	if err == nil && id == tc.t.ID() {
		tc.k.safePoint(tc.t)
	}
	return err
}

// MapRegion asks the memory manager for a region and records the granted
// handle in the manifest before the caller ever sees it.
func (tc *TaskContext) MapRegion(size uint64, flags extres.MapFlags) (manifest.ResourceHandle, error) {
	tc.k.safePoint(tc.t)
	region, err := tc.k.mm.MapRegion(size, flags)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	h := tc.k.minter.Mint(manifest.KindHeapRegion)
	tc.k.mu.Lock()
	tc.k.regions[h] = region
	tc.k.mu.Unlock()
	if err := tc.t.Manifest().Record(h); err != nil {
		tc.k.mu.Lock()
		delete(tc.k.regions, h)
		tc.k.mu.Unlock()
		tc.k.mm.UnmapRegion(region)
		return 0, err
	}
	return h, nil
}

// Region resolves a heap handle to the memory manager's region token.
func (tc *TaskContext) Region(h manifest.ResourceHandle) (extres.HeapRegion, bool) {
	tc.k.mu.Lock()
	defer tc.k.mu.Unlock()
	r, ok := tc.k.regions[h]
	return r, ok
}

// ClaimHardware claims a named hardware resource exclusively.
func (tc *TaskContext) ClaimHardware(name string) (manifest.ResourceHandle, error) {
	tc.k.safePoint(tc.t)
	if err := tc.k.hw.Claim(name, uint64(tc.t.ID())); err != nil {
		return 0, err
	}
	h := tc.k.minter.Mint(manifest.KindHardwareResource)
	tc.k.mu.Lock()
	tc.k.hwNames[h] = name
	tc.k.mu.Unlock()
	if err := tc.t.Manifest().Record(h); err != nil {
		tc.k.mu.Lock()
		delete(tc.k.hwNames, h)
		tc.k.mu.Unlock()
		tc.k.hw.Release(name)
		return 0, err
	}
	return h, nil
}

// Release gives back any owned resource by handle: the manifest entry is
// removed and the kind's teardown runs. Works for every kind.
func (tc *TaskContext) Release(h manifest.ResourceHandle) error {
	tc.k.safePoint(tc.t)
	return tc.t.Manifest().Release(h)
}

// Owned returns the handles currently in this task's manifest, drain order.
func (tc *TaskContext) Owned() []manifest.ResourceHandle {
	return tc.t.Manifest().Handles()
}

// NewLock registers a lock object with the external lock subsystem.
func (tc *TaskContext) NewLock() extres.LockID {
	return tc.k.NewLock()
}

// AcquireLock blocks until the lock is granted, FIFO behind the holder.
// deadline is in ticks; zero waits forever.
func (tc *TaskContext) AcquireLock(id extres.LockID, deadline int64) (manifest.ResourceHandle, error) {
	return tc.k.acquireLock(tc.t, id, deadline)
}

// CreateChannel allocates a bounded channel; both endpoint handles land in
// this task's manifest until transferred.
func (tc *TaskContext) CreateChannel(capacity int) (sender, receiver manifest.ResourceHandle, err error) {
	tc.k.safePoint(tc.t)
	return tc.k.createChannel(tc.t, capacity)
}

// Send delivers msg through a sender handle; blocks while full.
// deadline is in ticks; zero waits forever.
func (tc *TaskContext) Send(h manifest.ResourceHandle, msg Message, deadline int64) error {
	return tc.k.send(tc.t, h, msg, deadline)
}

// Receive takes the next message from a receiver handle; blocks while empty.
func (tc *TaskContext) Receive(h manifest.ResourceHandle, deadline int64) (Message, error) {
	return tc.k.receive(tc.t, h, deadline)
}

// TransferEndpoint hands one of this task's channel endpoints to another
// live task, atomically re-keying the manifests.
func (tc *TaskContext) TransferEndpoint(h manifest.ResourceHandle, to task.ID) error {
	return tc.k.transferEndpoint(tc.t, h, to)
}
