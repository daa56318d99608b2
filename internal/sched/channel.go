// internal/sched/channel.go

package sched

import (
	"fmt"

	"github.com/emirpasic/gods/lists/doublylinkedlist"

	"spillsafe/internal/manifest"
	"spillsafe/internal/task"
)

// Message is an opaque payload carried by an inter-task channel.
type Message = any

type chanSide uint8

const (
	sideSender chanSide = iota
	sideReceiver
)

func (s chanSide) String() string {
	if s == sideSender {
		return "sender"
	}
	return "receiver"
}

// channelObj is one unidirectional bounded queue. Both endpoint handles
// resolve to it; it is reclaimed once both endpoints are released.
type channelObj struct {
	capacity int
	buf      []Message
	sendq    *doublylinkedlist.List // *waiter, FIFO by block time
	recvq    *doublylinkedlist.List // *waiter, FIFO by block time
	closed   bool
}

// chanEnd is the registry record behind one endpoint handle.
type chanEnd struct {
	ch     *channelObj
	side   chanSide
	handle manifest.ResourceHandle
	owner  task.ID
}

// waiter is one parked task on a channel or lock wait list. fired flips
// exactly once, under k.mu, by whichever wake path gets there first
// (delivery, close, timeout, or kill).
type waiter struct {
	t     *task.Task
	msg   Message
	err   error
	fired bool
}

func popWaiter(l *doublylinkedlist.List) *waiter {
	v, ok := l.Get(0)
	if !ok {
		return nil
	}
	l.Remove(0)
	return v.(*waiter)
}

func removeWaiter(l *doublylinkedlist.List, w *waiter) {
	if i := l.IndexOf(w); i >= 0 {
		l.Remove(i)
	}
}

// createChannel allocates a bounded queue and records both endpoint handles
// in the creating task's manifest.
func (k *Kernel) createChannel(t *task.Task, capacity int) (manifest.ResourceHandle, manifest.ResourceHandle, error) {
	if capacity < 1 {
		capacity = k.cfg.DefaultChannelCap
	}
	ch := &channelObj{
		capacity: capacity,
		sendq:    doublylinkedlist.New(),
		recvq:    doublylinkedlist.New(),
	}
	sh := k.minter.Mint(manifest.KindChannelEndpoint)
	rh := k.minter.Mint(manifest.KindChannelEndpoint)

	if err := t.Manifest().Record(sh); err != nil {
		return 0, 0, err
	}
	if err := t.Manifest().Record(rh); err != nil {
		t.Manifest().Release(sh)
		return 0, 0, err
	}

	k.mu.Lock()
	k.chanEnds[sh] = &chanEnd{ch: ch, side: sideSender, handle: sh, owner: t.ID()}
	k.chanEnds[rh] = &chanEnd{ch: ch, side: sideReceiver, handle: rh, owner: t.ID()}
	k.mu.Unlock()
	return sh, rh, nil
}

// endFor validates handle, side, and ownership. k.mu held.
func (k *Kernel) endForLocked(t *task.Task, h manifest.ResourceHandle, side chanSide) (*chanEnd, error) {
	end, ok := k.chanEnds[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", manifest.ErrUnknownHandle, h)
	}
	if end.owner != t.ID() {
		return nil, fmt.Errorf("%w: %s owned by task %d", ErrNotOwner, h, end.owner)
	}
	if end.side != side {
		return nil, fmt.Errorf("%w: %s is a %s handle", ErrWrongSide, h, end.side)
	}
	return end, nil
}

// send delivers msg through the sender handle, blocking while the queue is
// full. A deadline of zero means wait forever; otherwise it is a tick count
// after which the wait fails with ErrTimedOut.
func (k *Kernel) send(t *task.Task, h manifest.ResourceHandle, msg Message, deadline int64) error {
	k.safePoint(t)

	k.mu.Lock()
	end, err := k.endForLocked(t, h, sideSender)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	ch := end.ch
	if ch.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	if len(ch.buf) < ch.capacity {
		ch.buf = append(ch.buf, msg)
		k.rebalanceLocked(ch)
		k.mu.Unlock()
		return nil
	}

	w := &waiter{t: t, msg: msg}
	ch.sendq.Add(w)
	if err := k.blockOnLocked(t, h, w, ch.sendq, deadline); err != nil {
		k.mu.Unlock()
		return err
	}
	k.mu.Unlock()

	k.parkBlocked(t)
	return k.awaitVerdict(t, w)
}

// receive takes the next message from the receiver handle, blocking while
// the queue is empty. Once the channel is closed every receive fails with
// ErrClosed; messages a terminated peer left behind are not delivered.
func (k *Kernel) receive(t *task.Task, h manifest.ResourceHandle, deadline int64) (Message, error) {
	k.safePoint(t)

	k.mu.Lock()
	end, err := k.endForLocked(t, h, sideReceiver)
	if err != nil {
		k.mu.Unlock()
		return nil, err
	}
	ch := end.ch
	if ch.closed {
		k.mu.Unlock()
		return nil, ErrClosed
	}
	if len(ch.buf) > 0 {
		msg := ch.buf[0]
		ch.buf = ch.buf[1:]
		k.rebalanceLocked(ch)
		k.mu.Unlock()
		return msg, nil
	}

	w := &waiter{t: t}
	ch.recvq.Add(w)
	if err := k.blockOnLocked(t, h, w, ch.recvq, deadline); err != nil {
		k.mu.Unlock()
		return nil, err
	}
	k.mu.Unlock()

	k.parkBlocked(t)
	if err := k.awaitVerdict(t, w); err != nil {
		return nil, err
	}
	return w.msg, nil
}

// blockOnLocked moves the task to Blocked and arms the kill canceller and
// the optional deadline timer. k.mu held; the caller parks after unlocking.
func (k *Kernel) blockOnLocked(t *task.Task, h manifest.ResourceHandle, w *waiter, list *doublylinkedlist.List, deadline int64) error {
	t.SetBlockedOn(h)
	if err := t.Transition(task.Blocked); err != nil {
		removeWaiter(list, w)
		t.SetBlockedOn(0)
		return err
	}
	k.waitCancels[t.ID()] = func() {
		if w.fired {
			return
		}
		removeWaiter(list, w)
		w.err = ErrKilled
		w.fired = true
	}
	if deadline > 0 {
		k.registerTimerLocked(deadline, func() {
			k.mu.Lock()
			if !w.fired {
				removeWaiter(list, w)
				w.err = ErrTimedOut
				w.fired = true
				k.makeRunnableLocked(t)
				k.mu.Unlock()
				k.emit(StatusWake, t.ID(), t.HomeCore(), "timeout")
				return
			}
			k.mu.Unlock()
		})
	}
	detail := h.String()
	if h == 0 {
		detail = "lock"
	}
	k.emit(StatusBlock, t.ID(), t.HomeCore(), detail)
	return nil
}

// awaitVerdict reads the waiter outcome once the task has been re-dispatched.
func (k *Kernel) awaitVerdict(t *task.Task, w *waiter) error {
	k.mu.Lock()
	delete(k.waitCancels, t.ID())
	err := w.err
	k.mu.Unlock()
	t.SetBlockedOn(0)
	return err
}

// rebalanceLocked matches buffered messages with blocked receivers and
// freed buffer slots with blocked senders, FIFO by block time. k.mu held.
func (k *Kernel) rebalanceLocked(ch *channelObj) {
	for {
		moved := false
		if len(ch.buf) > 0 && ch.recvq.Size() > 0 {
			w := popWaiter(ch.recvq)
			w.msg = ch.buf[0]
			ch.buf = ch.buf[1:]
			w.fired = true
			k.makeRunnableLocked(w.t)
			k.emit(StatusWake, w.t.ID(), w.t.HomeCore(), "recv")
			moved = true
		}
		if len(ch.buf) < ch.capacity && ch.sendq.Size() > 0 {
			s := popWaiter(ch.sendq)
			ch.buf = append(ch.buf, s.msg)
			s.fired = true
			k.makeRunnableLocked(s.t)
			k.emit(StatusWake, s.t.ID(), s.t.HomeCore(), "send")
			moved = true
		}
		if !moved {
			return
		}
	}
}

// closeEndpoint is the ChannelEndpoint teardown: releasing either endpoint
// closes the channel and wakes every blocked peer with ErrClosed. The
// channel object itself is reclaimed once both endpoints are gone.
func (k *Kernel) closeEndpoint(h manifest.ResourceHandle) error {
	k.mu.Lock()
	end, ok := k.chanEnds[h]
	if !ok {
		k.mu.Unlock()
		return nil
	}
	delete(k.chanEnds, h)
	ch := end.ch
	if !ch.closed {
		ch.closed = true
		ch.buf = nil
		for {
			w := popWaiter(ch.sendq)
			if w == nil {
				break
			}
			w.err = ErrClosed
			w.fired = true
			k.makeRunnableLocked(w.t)
			k.emit(StatusWake, w.t.ID(), w.t.HomeCore(), "closed")
		}
		for {
			w := popWaiter(ch.recvq)
			if w == nil {
				break
			}
			w.err = ErrClosed
			w.fired = true
			k.makeRunnableLocked(w.t)
			k.emit(StatusWake, w.t.ID(), w.t.HomeCore(), "closed")
		}
	}
	k.mu.Unlock()
	return nil
}

// transferEndpoint atomically re-keys an endpoint handle into another live
// task's manifest and updates the registry owner, so the handle is never
// owned by two tasks and never by none.
func (k *Kernel) transferEndpoint(t *task.Task, h manifest.ResourceHandle, to task.ID) error {
	k.safePoint(t)

	k.mu.Lock()
	defer k.mu.Unlock()
	end, ok := k.chanEnds[h]
	if !ok {
		return fmt.Errorf("%w: %s", manifest.ErrUnknownHandle, h)
	}
	if end.owner != t.ID() {
		return fmt.Errorf("%w: %s owned by task %d", ErrNotOwner, h, end.owner)
	}
	target, err := k.lookupTaskLocked(to)
	if err != nil {
		return err
	}
	if target.TeardownClaimed() {
		return fmt.Errorf("%w: %d", ErrAlreadyTerminated, to)
	}
	if err := manifest.Transfer(h, t.Manifest(), target.Manifest()); err != nil {
		return err
	}
	end.owner = to
	return nil
}
