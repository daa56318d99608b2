// internal/sched/recovery.go

package sched

import (
	"fmt"

	"github.com/bytedance/sonic"

	"spillsafe/internal/manifest"
	"spillsafe/internal/task"
)

// FaultRecovery is the single teardown path for every task, however it
// ends: normal return, fault, or kill. It walks the task's StateManifest,
// releases everything the task ever acquired, and only then lets the task
// reach Terminated. After a drain completes, no resource attributable to
// the task remains granted anywhere in the system (leaked entries excepted,
// and those are logged and accounted).
type FaultRecovery struct {
	k *Kernel
}

// teardownTable builds the closed per-kind teardown set for one task. Every
// kind the kernel can grant appears here; there is no open-ended dispatch.
func (k *Kernel) teardownTable(id task.ID) manifest.TeardownTable {
	return manifest.TeardownTable{
		manifest.KindHeapRegion:       k.unmapRegionHandle(),
		manifest.KindLock:             k.releaseLockHandle(id),
		manifest.KindChannelEndpoint:  k.closeEndpoint,
		manifest.KindHardwareResource: k.releaseHardwareHandle(),
		manifest.KindChildTask:        k.detachChildHandle(),
	}
}

// unmapRegionHandle is the HeapRegion teardown. On unmap failure the
// registry entry survives so the region stays attributable; drain will
// retry and eventually mark it leaked.
func (k *Kernel) unmapRegionHandle() manifest.Teardown {
	return func(h manifest.ResourceHandle) error {
		k.mu.Lock()
		region, ok := k.regions[h]
		k.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s", manifest.ErrUnknownHandle, h)
		}
		if err := k.mm.UnmapRegion(region); err != nil {
			return err
		}
		k.mu.Lock()
		delete(k.regions, h)
		k.mu.Unlock()
		return nil
	}
}

// releaseHardwareHandle is the HardwareResource teardown.
func (k *Kernel) releaseHardwareHandle() manifest.Teardown {
	return func(h manifest.ResourceHandle) error {
		k.mu.Lock()
		name, ok := k.hwNames[h]
		k.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s", manifest.ErrUnknownHandle, h)
		}
		if err := k.hw.Release(name); err != nil {
			return err
		}
		k.mu.Lock()
		delete(k.hwNames, h)
		k.mu.Unlock()
		return nil
	}
}

// detachChildHandle is the ChildTask teardown: the parent's claim on the
// child is dropped and the child runs on unsupervised. Ending a parent
// never tears down a child mid-flight; kill it explicitly if that is wanted.
func (k *Kernel) detachChildHandle() manifest.Teardown {
	return func(h manifest.ResourceHandle) error {
		k.mu.Lock()
		delete(k.children, h)
		k.mu.Unlock()
		return nil
	}
}

// finishNormal handles a task whose body returned cleanly.
func (r *FaultRecovery) finishNormal(t *task.Task, coreID int) {
	r.finalize(t, task.ExitingNormally, coreID, "exit", "")
}

// finishFault handles a recovered fault in the task body.
func (r *FaultRecovery) finishFault(t *task.Task, coreID int, kind task.FaultKind, detail string) {
	r.k.emit(StatusFault, t.ID(), coreID, kind.String())
	r.finalize(t, task.ExitingFaulted, coreID, "fault:"+kind.String(), detail)
}

// finishKilled handles a task unwound by a kill or an externally delivered
// fault; the recorded pending fault, if any, names the real reason.
func (r *FaultRecovery) finishKilled(t *task.Task, coreID int) {
	if kind, ok := t.PendingFault(); ok {
		r.finishFault(t, coreID, kind, "delivered by exception subsystem")
		return
	}
	r.finalize(t, task.ExitingFaulted, coreID, "killed", "")
}

// finalize is the choke point: claim the teardown, pass through the exiting
// state, drain the manifest, then and only then mark Terminated and remove
// the task from all bookkeeping. A second concurrent teardown attempt loses
// the claim and no-ops.
func (r *FaultRecovery) finalize(t *task.Task, exiting task.State, coreID int, reason, detail string) {
	k := r.k
	if !t.ClaimTeardown() {
		return
	}
	if err := t.Transition(exiting); err != nil {
		k.corrupt(err)
	}
	k.log.Info("task exiting",
		"task", t.ID(), "core", coreID, "reason", reason, "detail", detail,
		"owned", t.Manifest().Len())

	rep := manifest.NewDrainReport(uint64(t.ID()), reason)
	t.Manifest().Drain(k.cfg.TeardownRetry, rep)

	for _, e := range rep.Leaked() {
		k.mu.Lock()
		k.leaked[e.Handle] = e.Error
		k.mu.Unlock()
		k.log.Warn("resource leaked during drain",
			"task", t.ID(), "handle", e.Handle.String(), "kind", e.Kind, "err", e.Error)
		k.emit(StatusLeak, t.ID(), coreID, e.Handle.String())
	}

	// Out of the table before Done can fire, so a waiter that wakes on
	// termination never observes the task still registered.
	k.mu.Lock()
	delete(k.tasks, t.ID())
	delete(k.waitCancels, t.ID())
	k.mu.Unlock()

	if err := t.Transition(task.Terminated); err != nil {
		k.corrupt(err)
	}
	t.DropAddressSpace()

	r.writeTrace(rep)
	k.emit(StatusDrain, t.ID(), coreID, fmt.Sprintf("released=%d leaked=%d",
		len(rep.Entries)-len(rep.Leaked()), len(rep.Leaked())))
	if reason == "exit" {
		k.emit(StatusExit, t.ID(), coreID, "")
	}
}

// writeTrace appends one JSON drain report line to the trace writer.
func (r *FaultRecovery) writeTrace(rep *manifest.DrainReport) {
	k := r.k
	if k.traceW == nil {
		return
	}
	data, err := sonic.Marshal(rep)
	if err != nil {
		k.log.Warn("drain report marshal failed", "task", rep.TaskID, "err", err)
		return
	}
	k.traceMu.Lock()
	k.traceW.Write(append(data, '\n'))
	k.traceMu.Unlock()
}

// Kill forces the target through the faulted-exit path regardless of its
// current state. A Running task is not torn down mid-instruction: the kill
// is posted as a deferred flag honored at its next tick boundary, yield, or
// blocking operation. A Blocked task has its wait cancelled immediately and
// a Runnable task dies at its next dispatch. Killing a task that already
// terminated reports ErrAlreadyTerminated and changes nothing.
func (r *FaultRecovery) Kill(id task.ID) error {
	k := r.k
	k.mu.Lock()
	t, err := k.lookupTaskLocked(id)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	if t.TeardownClaimed() {
		k.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyTerminated, id)
	}
	t.RequestKill()
	k.emit(StatusKill, id, t.HomeCore(), t.State().String())

	if t.State() == task.Blocked {
		if cancel, ok := k.waitCancels[id]; ok {
			delete(k.waitCancels, id)
			cancel()
		}
		k.makeRunnableLocked(t)
	}
	k.mu.Unlock()
	return nil
}

// OnFault is the exception subsystem's entry point: the hardware fault code
// has already been mapped to a FaultKind. The task is routed through the
// same deferred teardown path as kill, with the fault kind preserved for
// the drain report.
func (r *FaultRecovery) OnFault(id task.ID, kind task.FaultKind) error {
	k := r.k
	k.mu.Lock()
	t, err := k.lookupTaskLocked(id)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	if t.TeardownClaimed() {
		k.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyTerminated, id)
	}
	t.RequestFault(kind)
	t.RequestKill()
	k.emit(StatusFault, id, t.HomeCore(), kind.String())

	if t.State() == task.Blocked {
		if cancel, ok := k.waitCancels[id]; ok {
			delete(k.waitCancels, id)
			cancel()
		}
		k.makeRunnableLocked(t)
	}
	k.mu.Unlock()
	return nil
}

// Kill is sugar for Recovery().Kill.
func (k *Kernel) Kill(id task.ID) error { return k.recovery.Kill(id) }
