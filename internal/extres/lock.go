package extres

import (
	"errors"
	"fmt"
	"sync"
)

// LockID names one lock object in the external lock subsystem.
type LockID uint64

var (
	ErrLockHeld    = errors.New("extres: lock already held")
	ErrLockUnknown = errors.New("extres: unknown lock")
	ErrNotOwner    = errors.New("extres: releaser does not hold the lock")
)

// LockTable is the external lock subsystem's ownership bookkeeping. Blocking
// and wake order live in the kernel core; the table only answers who holds
// what. Handles to held locks are what end up in a task's manifest.
type LockTable struct {
	mu     sync.Mutex
	nextID LockID
	owners map[LockID]uint64 // 0 = free
}

// NewLockTable creates an empty table.
func NewLockTable() *LockTable {
	return &LockTable{owners: make(map[LockID]uint64)}
}

// NewLock registers a lock object and returns its id.
func (lt *LockTable) NewLock() LockID {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.nextID++
	lt.owners[lt.nextID] = 0
	return lt.nextID
}

// TryAcquire marks the lock held by owner if it is free.
func (lt *LockTable) TryAcquire(id LockID, owner uint64) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	cur, ok := lt.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrLockUnknown, id)
	}
	if cur != 0 {
		return fmt.Errorf("%w: lock %d held by task %d", ErrLockHeld, id, cur)
	}
	lt.owners[id] = owner
	return nil
}

// Release frees the lock; the releaser must be the holder.
func (lt *LockTable) Release(id LockID, owner uint64) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	cur, ok := lt.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrLockUnknown, id)
	}
	if cur != owner {
		return fmt.Errorf("%w: lock %d held by task %d, released by task %d", ErrNotOwner, id, cur, owner)
	}
	lt.owners[id] = 0
	return nil
}

// Owner returns who holds the lock, zero if free.
func (lt *LockTable) Owner(id LockID) (uint64, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	cur, ok := lt.owners[id]
	return cur, ok
}

// HeldBy returns every lock currently held by the given owner.
func (lt *LockTable) HeldBy(owner uint64) []LockID {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	var out []LockID
	for id, cur := range lt.owners {
		if cur == owner {
			out = append(out, id)
		}
	}
	return out
}
