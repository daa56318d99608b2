// internal/sched/lock.go

package sched

import (
	"fmt"

	"github.com/emirpasic/gods/lists/doublylinkedlist"

	"spillsafe/internal/extres"
	"spillsafe/internal/manifest"
	"spillsafe/internal/task"
)

// lockState is the kernel-side wait list for one external lock object. The
// lock subsystem itself only answers ownership; blocking and FIFO wake order
// are scheduling concerns, so they live here.
type lockState struct {
	id      extres.LockID
	waiters *doublylinkedlist.List // *waiter, FIFO by block time
}

// NewLock registers a lock object with the external subsystem and creates
// its wait list.
func (k *Kernel) NewLock() extres.LockID {
	id := k.locks.NewLock()
	k.mu.Lock()
	k.lockStates[id] = &lockState{id: id, waiters: doublylinkedlist.New()}
	k.mu.Unlock()
	return id
}

// acquireLock takes the lock for the calling task, blocking FIFO behind the
// current holder. On success the granted handle is already recorded in the
// caller's manifest.
func (k *Kernel) acquireLock(t *task.Task, id extres.LockID, deadline int64) (manifest.ResourceHandle, error) {
	k.safePoint(t)

	k.mu.Lock()
	ls, ok := k.lockStates[id]
	if !ok {
		k.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", extres.ErrLockUnknown, id)
	}
	if err := k.locks.TryAcquire(id, uint64(t.ID())); err == nil {
		h, gerr := k.grantLockLocked(t, id)
		k.mu.Unlock()
		return h, gerr
	}

	w := &waiter{t: t}
	ls.waiters.Add(w)
	if err := k.blockOnLocked(t, 0, w, ls.waiters, deadline); err != nil {
		k.mu.Unlock()
		return 0, err
	}
	k.mu.Unlock()

	k.parkBlocked(t)
	if err := k.awaitVerdict(t, w); err != nil {
		return 0, err
	}
	return w.msg.(manifest.ResourceHandle), nil
}

// grantLockLocked mints and records the handle for a freshly acquired lock.
// k.mu held; the lock table already shows the task as holder.
func (k *Kernel) grantLockLocked(t *task.Task, id extres.LockID) (manifest.ResourceHandle, error) {
	h := k.minter.Mint(manifest.KindLock)
	k.lockHandles[h] = id
	if err := t.Manifest().Record(h); err != nil {
		// Record of a fresh handle can only fail on manifest corruption.
		delete(k.lockHandles, h)
		k.locks.Release(id, uint64(t.ID()))
		return 0, err
	}
	return h, nil
}

// releaseLockHandle is the Lock teardown: give the lock back to the
// external table and hand it to the next FIFO waiter, recording the new
// handle in the waiter's manifest before it is woken.
func (k *Kernel) releaseLockHandle(owner task.ID) manifest.Teardown {
	return func(h manifest.ResourceHandle) error {
		k.mu.Lock()
		defer k.mu.Unlock()
		id, ok := k.lockHandles[h]
		if !ok {
			return fmt.Errorf("%w: %s", manifest.ErrUnknownHandle, h)
		}
		if err := k.locks.Release(id, uint64(owner)); err != nil {
			return err
		}
		delete(k.lockHandles, h)

		ls := k.lockStates[id]
		if ls == nil {
			return nil
		}
		next := popWaiter(ls.waiters)
		if next == nil {
			return nil
		}
		if err := k.locks.TryAcquire(id, uint64(next.t.ID())); err != nil {
			// The table just freed the lock; failure here is corruption.
			k.corrupt(err)
		}
		nh, err := k.grantLockLocked(next.t, id)
		if err != nil {
			k.corrupt(err)
		}
		next.msg = nh
		next.fired = true
		k.makeRunnableLocked(next.t)
		k.emit(StatusWake, next.t.ID(), next.t.HomeCore(), "lock")
		return nil
	}
}
