package sched

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"spillsafe/internal/manifest"
	"spillsafe/internal/task"
)

type msgLog struct {
	mu   sync.Mutex
	msgs []Message
}

func (m *msgLog) record(v Message) {
	m.mu.Lock()
	m.msgs = append(m.msgs, v)
	m.mu.Unlock()
}

func (m *msgLog) snapshot() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.msgs...)
}

func TestChannelFIFOWithinOneTask(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var got msgLog
	id, _ := k.Spawn(func(tc *TaskContext) error {
		sh, rh, err := tc.CreateChannel(4)
		if err != nil {
			return err
		}
		for _, m := range []string{"m1", "m2", "m3"} {
			if err := tc.Send(sh, m, 0); err != nil {
				return err
			}
		}
		for i := 0; i < 3; i++ {
			m, err := tc.Receive(rh, 0)
			if err != nil {
				return err
			}
			got.record(m)
		}
		return nil
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, id)

	want := []Message{"m1", "m2", "m3"}
	if diff := cmp.Diff(want, got.snapshot()); diff != "" {
		t.Errorf("receive order mismatch (-want +got):\n%s", diff)
	}
	auditClean(t, k)
}

func TestChannelBlockingHandoff(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var got msgLog
	parent, _ := k.Spawn(func(tc *TaskContext) error {
		sh, rh, err := tc.CreateChannel(1)
		if err != nil {
			return err
		}
		// The child gets the sender at spawn; capacity 1 forces it through
		// the blocked-sender path while this task drains the queue.
		sender := func(tc *TaskContext) error {
			for _, m := range []string{"x", "y", "z"} {
				if err := tc.Send(sh, m, 0); err != nil {
					return err
				}
			}
			return nil
		}
		if _, err := tc.Spawn(sender, 20, 0, sh); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			m, err := tc.Receive(rh, 0)
			if err != nil {
				return err
			}
			got.record(m)
		}
		return nil
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, parent)

	want := []Message{"x", "y", "z"}
	if diff := cmp.Diff(want, got.snapshot()); diff != "" {
		t.Errorf("receive order mismatch (-want +got):\n%s", diff)
	}
	auditClean(t, k)
}

func TestChannelWrongSide(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var sendErr, recvErr error
	id, _ := k.Spawn(func(tc *TaskContext) error {
		sh, rh, err := tc.CreateChannel(2)
		if err != nil {
			return err
		}
		sendErr = tc.Send(rh, "m", 0)
		_, recvErr = tc.Receive(sh, 0)
		return nil
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, id)

	if !errors.Is(sendErr, ErrWrongSide) {
		t.Errorf("Send on receiver handle = %v, want ErrWrongSide", sendErr)
	}
	if !errors.Is(recvErr, ErrWrongSide) {
		t.Errorf("Receive on sender handle = %v, want ErrWrongSide", recvErr)
	}
}

func TestChannelNotOwner(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var childErr error
	var done atomic.Bool
	parent, _ := k.Spawn(func(tc *TaskContext) error {
		sh, _, err := tc.CreateChannel(2)
		if err != nil {
			return err
		}
		// Handle value leaks to the child, ownership does not.
		intruder := func(tc *TaskContext) error {
			childErr = tc.Send(sh, "stolen", 0)
			done.Store(true)
			return nil
		}
		if _, err := tc.Spawn(intruder, 20, 0); err != nil {
			return err
		}
		for !done.Load() {
			tc.Yield()
		}
		return nil
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, parent)

	if !errors.Is(childErr, ErrNotOwner) {
		t.Errorf("Send through unowned handle = %v, want ErrNotOwner", childErr)
	}
}

func TestReceiveDeadline(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var gotErr error
	id, _ := k.Spawn(func(tc *TaskContext) error {
		_, rh, err := tc.CreateChannel(2)
		if err != nil {
			return err
		}
		_, gotErr = tc.Receive(rh, 3)
		return nil
	}, 20, 0)
	k.Start()
	stopTicker := runTicker(k)
	defer stopTicker()
	mustTerminate(t, k, id)

	if !errors.Is(gotErr, ErrTimedOut) {
		t.Errorf("Receive with expired deadline = %v, want ErrTimedOut", gotErr)
	}
	auditClean(t, k)
}

func TestCloseDropsBufferedMessages(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var gotErr error
	id, _ := k.Spawn(func(tc *TaskContext) error {
		sh, rh, err := tc.CreateChannel(4)
		if err != nil {
			return err
		}
		if err := tc.Send(sh, "orphaned", 0); err != nil {
			return err
		}
		if err := tc.Release(sh); err != nil {
			return err
		}
		_, gotErr = tc.Receive(rh, 0)
		return nil
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, id)

	if !errors.Is(gotErr, ErrClosed) {
		t.Errorf("Receive on closed channel = %v, want ErrClosed", gotErr)
	}
	auditClean(t, k)
}

func TestSendAfterPeerEndpointReleased(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var gotErr error
	id, _ := k.Spawn(func(tc *TaskContext) error {
		sh, rh, err := tc.CreateChannel(4)
		if err != nil {
			return err
		}
		if err := tc.Release(rh); err != nil {
			return err
		}
		gotErr = tc.Send(sh, "m", 0)
		return nil
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, id)

	if !errors.Is(gotErr, ErrClosed) {
		t.Errorf("Send after receiver release = %v, want ErrClosed", gotErr)
	}
}

// A task blocked on receive must be woken with ErrClosed when the peer
// holding the sender terminates and its endpoint is drained; the survivor
// must then itself be killable, with everything it still owned (its
// receiver endpoint and the child entry) draining without leaks.
func TestPeerTerminationClosesChannel(t *testing.T) {
	buf := &syncBuffer{}
	k := newTestKernel(t, testConfig()).WithTraceWriter(buf)
	errCh := make(chan error, 1)
	parent, _ := k.Spawn(func(tc *TaskContext) error {
		sh, rh, err := tc.CreateChannel(2)
		if err != nil {
			return err
		}
		doomed := func(tc *TaskContext) error {
			panic(task.Fault{Kind: task.FaultPageFault, Detail: "wild write"})
		}
		if _, err := tc.Spawn(doomed, 20, 0, sh); err != nil {
			return err
		}
		_, rerr := tc.Receive(rh, 0)
		errCh <- rerr
		for {
			tc.Yield()
		}
	}, 20, 0)
	k.Start()

	var gotErr error
	select {
	case gotErr = <-errCh:
	case <-time.After(waitFor):
		t.Fatal("receiver never woke after peer fault")
	}
	if !errors.Is(gotErr, ErrClosed) {
		t.Errorf("Receive after peer fault = %v, want ErrClosed", gotErr)
	}

	if err := k.Kill(parent); err != nil {
		t.Fatalf("Kill() = %v", err)
	}
	mustTerminate(t, k, parent)

	rep := reportFor(t, waitReports(t, buf, 2), parent)
	if len(rep.Entries) != 2 {
		t.Errorf("survivor drained %d entries, want its endpoint and child entry", len(rep.Entries))
	}
	if leaked := rep.Leaked(); len(leaked) != 0 {
		t.Errorf("unexpected leaks: %v", leaked)
	}
	auditClean(t, k)
}

func TestTransferEndpoint(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var sh manifest.ResourceHandle
	var ready atomic.Bool
	var afterTransfer error
	var got msgLog

	parent, _ := k.Spawn(func(tc *TaskContext) error {
		var rh manifest.ResourceHandle
		var err error
		sh, rh, err = tc.CreateChannel(2)
		if err != nil {
			return err
		}
		courier := func(tc *TaskContext) error {
			for !ready.Load() {
				tc.Checkpoint()
			}
			return tc.Send(sh, "handed over", 0)
		}
		to, err := tc.Spawn(courier, 20, 0)
		if err != nil {
			return err
		}
		if err := tc.TransferEndpoint(sh, to); err != nil {
			return err
		}
		afterTransfer = tc.Send(sh, "m", 0)
		ready.Store(true)
		m, err := tc.Receive(rh, 0)
		if err != nil {
			return err
		}
		got.record(m)
		return nil
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, parent)

	if !errors.Is(afterTransfer, ErrNotOwner) {
		t.Errorf("Send after giving the endpoint away = %v, want ErrNotOwner", afterTransfer)
	}
	if diff := cmp.Diff([]Message{"handed over"}, got.snapshot()); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
	auditClean(t, k)
}

func TestSpawnHandoffRequiresOwnership(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var spawnErr error
	parent, _ := k.Spawn(func(tc *TaskContext) error {
		bogus := k.minter.Mint(manifest.KindChannelEndpoint)
		_, spawnErr = tc.Spawn(func(tc *TaskContext) error { return nil }, 20, 0, bogus)
		return nil
	}, 20, 0)
	k.Start()
	mustTerminate(t, k, parent)

	if !errors.Is(spawnErr, ErrNotOwner) {
		t.Errorf("Spawn with unowned handoff = %v, want ErrNotOwner", spawnErr)
	}
	auditClean(t, k)
}
