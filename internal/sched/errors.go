package sched

import "errors"

var (
	// ErrResourceExhausted is returned by spawn when the task table is
	// full. The only runtime failure scheduling itself can report.
	ErrResourceExhausted = errors.New("sched: task table full")

	// ErrNoSuchTask means the TaskID does not name a live task and never
	// named one.
	ErrNoSuchTask = errors.New("sched: no such task")

	// ErrAlreadyTerminated is the already-terminated signal: the target
	// finished (or its teardown is underway), so the request is a no-op.
	ErrAlreadyTerminated = errors.New("sched: task already terminated")

	// ErrClosed is delivered to blocking channel operations when the peer
	// endpoint's owner terminated and the channel closed.
	ErrClosed = errors.New("sched: channel closed")

	// ErrTimedOut is delivered when a blocking operation's deadline
	// expires before the awaited event.
	ErrTimedOut = errors.New("sched: operation timed out")

	// ErrKilled is delivered to a blocked wait cancelled by kill.
	ErrKilled = errors.New("sched: task killed")

	// ErrWrongSide means a send was attempted on a receiver handle or
	// vice versa.
	ErrWrongSide = errors.New("sched: wrong channel endpoint side")

	// ErrNotOwner means a task used a handle its manifest does not hold.
	ErrNotOwner = errors.New("sched: caller does not own handle")
)
