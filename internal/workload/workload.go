// Package workload holds ready-made task bodies for the sim binary and for
// exercising the kernel by hand: spinners that burn slices, channel
// pipelines, allocators, and deliberately faulty tasks.
package workload

import (
	"errors"
	"fmt"

	"spillsafe/internal/extres"
	"spillsafe/internal/manifest"
	"spillsafe/internal/sched"
	"spillsafe/internal/task"
)

// Spinner returns a body that runs for the given number of checkpoints,
// hitting a safe point each iteration so preemption and kill can land.
func Spinner(iterations int) sched.EntryFunc {
	return func(tc *sched.TaskContext) error {
		for i := 0; i < iterations; i++ {
			tc.Checkpoint()
		}
		return nil
	}
}

// Allocator maps count regions of the given size and exits without
// releasing them: the drain path gets to prove it reclaims everything.
func Allocator(count int, size uint64) sched.EntryFunc {
	return func(tc *sched.TaskContext) error {
		for i := 0; i < count; i++ {
			if _, err := tc.MapRegion(size, extres.FlagRead|extres.FlagWrite); err != nil {
				return err
			}
			tc.Yield()
		}
		return nil
	}
}

// Faulty returns a body that allocates a little and then raises the given
// fault kind.
func Faulty(kind task.FaultKind) sched.EntryFunc {
	return func(tc *sched.TaskContext) error {
		if _, err := tc.MapRegion(4096, extres.FlagRead); err != nil {
			return err
		}
		panic(task.Fault{Kind: kind, Detail: "injected"})
	}
}

// LockContender returns a body that takes the shared lock, holds it for a
// few yields, and releases it, round after round.
func LockContender(lock extres.LockID, rounds int) sched.EntryFunc {
	return func(tc *sched.TaskContext) error {
		for i := 0; i < rounds; i++ {
			h, err := tc.AcquireLock(lock, 0)
			if err != nil {
				return err
			}
			tc.Yield()
			if err := tc.Release(h); err != nil {
				return err
			}
		}
		return nil
	}
}

// Pipeline builds a source task body that spawns the given number of
// forwarding stages chained by channels, hands each stage its two endpoints,
// pushes count messages through the chain, and reads them back off the
// tail. When the source exits, its remaining endpoints are drained, closure
// ripples down the chain, and every stage exits on ErrClosed.
func Pipeline(stages, count int) sched.EntryFunc {
	return func(tc *sched.TaskContext) error {
		send, inbound, err := tc.CreateChannel(4)
		if err != nil {
			return err
		}
		for i := 0; i < stages; i++ {
			nextSend, nextRecv, err := tc.CreateChannel(4)
			if err != nil {
				return err
			}
			if _, err := tc.Spawn(forward(inbound, nextSend), tc.Priority(), 0, inbound, nextSend); err != nil {
				return err
			}
			inbound = nextRecv
		}
		// Keep at most the head channel's capacity in flight so the
		// source never deadlocks against itself around a full chain.
		const inFlight = 4
		for i := 0; i < count; i++ {
			if err := tc.Send(send, fmt.Sprintf("msg-%d", i), 0); err != nil {
				return err
			}
			if i >= inFlight-1 {
				if _, err := tc.Receive(inbound, 0); err != nil {
					return err
				}
			}
		}
		for i := 0; i < inFlight-1 && i < count; i++ {
			if _, err := tc.Receive(inbound, 0); err != nil {
				return err
			}
		}
		return nil
	}
}

// forward is one pipeline stage: pump messages from in to out until the
// upstream channel closes.
func forward(in, out manifest.ResourceHandle) sched.EntryFunc {
	return func(tc *sched.TaskContext) error {
		for {
			msg, err := tc.Receive(in, 0)
			if errors.Is(err, sched.ErrClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := tc.Send(out, msg, 0); err != nil {
				if errors.Is(err, sched.ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}
