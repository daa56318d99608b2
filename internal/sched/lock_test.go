package sched

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"spillsafe/internal/task"
)

func TestLockGrantIsFIFO(t *testing.T) {
	k := newTestKernel(t, testConfig())
	lock := k.NewLock()
	var order orderLog
	body := func(tc *TaskContext) error {
		h, err := tc.AcquireLock(lock, 0)
		if err != nil {
			return err
		}
		order.record(tc.ID())
		tc.Yield()
		return tc.Release(h)
	}
	a, _ := k.Spawn(body, 20, 0)
	b, _ := k.Spawn(body, 20, 0)
	c, _ := k.Spawn(body, 20, 0)
	k.Start()
	for _, id := range []task.ID{a, b, c} {
		mustTerminate(t, k, id)
	}

	want := []task.ID{a, b, c}
	if diff := cmp.Diff(want, order.snapshot()); diff != "" {
		t.Errorf("grant order mismatch (-want +got):\n%s", diff)
	}
	if held := k.Locks().HeldBy(uint64(a)); len(held) != 0 {
		t.Errorf("task %d still holds %v", a, held)
	}
	auditClean(t, k)
}

func TestLockAcquireDeadline(t *testing.T) {
	k := newTestKernel(t, testConfig())
	lock := k.NewLock()
	var gotErr error
	var timedOut atomic.Bool
	// The holder keeps the lock until the waiter's deadline has verifiably
	// fired; a fixed number of yields would release it within the first
	// virtual tick and the wait would be granted instead of timed out.
	holder, _ := k.Spawn(func(tc *TaskContext) error {
		h, err := tc.AcquireLock(lock, 0)
		if err != nil {
			return err
		}
		for !timedOut.Load() {
			tc.Yield()
		}
		return tc.Release(h)
	}, 20, 0)
	waiter, _ := k.Spawn(func(tc *TaskContext) error {
		_, gotErr = tc.AcquireLock(lock, 2)
		timedOut.Store(true)
		return nil
	}, 20, 0)
	k.Start()
	stopTicker := runTicker(k)
	defer stopTicker()
	mustTerminate(t, k, waiter)
	mustTerminate(t, k, holder)

	if !errors.Is(gotErr, ErrTimedOut) {
		t.Errorf("AcquireLock past deadline = %v, want ErrTimedOut", gotErr)
	}
	auditClean(t, k)
}

func TestLockUnknown(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var gotErr error
	id, _ := k.Spawn(func(tc *TaskContext) error {
		_, gotErr = tc.AcquireLock(12345, 0)
		return nil
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, id)

	if gotErr == nil {
		t.Error("AcquireLock on unregistered lock succeeded")
	}
}

// A holder that dies without releasing must not strand its waiters: the
// drain releases the lock and the grant moves on FIFO.
func TestLockReleasedByDrain(t *testing.T) {
	k := newTestKernel(t, testConfig())
	lock := k.NewLock()
	var waiterGot error
	holder, _ := k.Spawn(func(tc *TaskContext) error {
		if _, err := tc.AcquireLock(lock, 0); err != nil {
			return err
		}
		tc.Yield()
		panic(task.Fault{Kind: task.FaultIllegalInstruction, Detail: "died holding lock"})
	}, 20, 0)
	waiter, _ := k.Spawn(func(tc *TaskContext) error {
		h, err := tc.AcquireLock(lock, 0)
		waiterGot = err
		if err != nil {
			return err
		}
		return tc.Release(h)
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, holder)
	mustTerminate(t, k, waiter)

	if waiterGot != nil {
		t.Errorf("waiter never got the lock: %v", waiterGot)
	}
	if owner, _ := k.Locks().Owner(lock); owner != 0 {
		t.Errorf("lock still held by %d after both tasks ended", owner)
	}
	auditClean(t, k)
}
