package sched

import (
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"

	"spillsafe/internal/task"
)

// qKey orders one core's run queue: fixed priority first (lower number runs
// first), then FIFO by enqueue sequence within a priority band.
type qKey struct {
	prio int
	seq  uint64
}

func qKeyCmp(a, b any) int {
	ka, kb := a.(qKey), b.(qKey)
	switch {
	case ka.prio < kb.prio:
		return -1
	case ka.prio > kb.prio:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// RunQueue holds the Runnable tasks for one core. A task is in at most one
// queue at a time and only while Runnable; the keys index makes removal and
// priority requeueing O(log n).
type RunQueue struct {
	mu   sync.Mutex
	tree *redblacktree.Tree // qKey -> *task.Task
	keys map[task.ID]qKey
}

// NewRunQueue creates an empty queue.
func NewRunQueue() *RunQueue {
	return &RunQueue{
		tree: redblacktree.NewWith(qKeyCmp),
		keys: make(map[task.ID]qKey),
	}
}

// Push enqueues a Runnable task under its current priority and enqueue
// sequence. Pushing a task that is already queued is queue corruption.
func (q *RunQueue) Push(t *task.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.keys[t.ID()]; dup {
		return false
	}
	key := qKey{prio: t.Priority(), seq: t.EnqueueSeq()}
	q.tree.Put(key, t)
	q.keys[t.ID()] = key
	return true
}

// Pop removes and returns the highest-priority task, FIFO within a band.
// Returns nil when the queue is empty (the core goes idle).
func (q *RunQueue) Pop() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	node := q.tree.Left()
	if node == nil {
		return nil
	}
	t := node.Value.(*task.Task)
	q.tree.Remove(node.Key)
	delete(q.keys, t.ID())
	return t
}

// Remove takes a specific task out of the queue, for kill of a queued task
// and for priority requeueing.
func (q *RunQueue) Remove(id task.ID) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, ok := q.keys[id]
	if !ok {
		return nil, false
	}
	node, found := q.tree.Get(key)
	q.tree.Remove(key)
	delete(q.keys, id)
	if !found {
		return nil, false
	}
	return node.(*task.Task), true
}

// Contains reports whether the task is queued.
func (q *RunQueue) Contains(id task.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.keys[id]
	return ok
}

// Len returns the number of queued tasks.
func (q *RunQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Size()
}
