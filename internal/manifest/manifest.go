package manifest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

var (
	// ErrDuplicateHandle means a resource was about to be double-granted.
	// Callers treat this as ownership-tracking corruption, not a soft error.
	ErrDuplicateHandle = errors.New("manifest: duplicate handle")

	// ErrUnknownHandle means a release targeted a handle this manifest
	// does not own.
	ErrUnknownHandle = errors.New("manifest: unknown handle")
)

// Teardown releases the underlying resource for one handle. It is supplied
// by the owning subsystem (memory manager unmap, lock release, channel
// close) when the manifest is built.
type Teardown func(ResourceHandle) error

// TeardownTable maps every grantable kind to its teardown. The table is
// fixed at construction; there is no way to register new kinds later.
type TeardownTable map[ResourceKind]Teardown

// drainKey orders entries for deterministic drain: kind priority first,
// then mint sequence within a kind.
type drainKey struct {
	prio uint8
	seq  uint64
}

func keyOf(h ResourceHandle) drainKey {
	return drainKey{prio: h.Kind().drainPriority(), seq: h.Seq()}
}

func drainKeyCmp(a, b any) int {
	ka, kb := a.(drainKey), b.(drainKey)
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

// StateManifest is the per-task ledger of every resource the task currently
// owns. Entries are appended as resources are granted and removed on release
// or drain. The manifest itself holds nothing but the bookkeeping entries.
//
// A small mutex guards the tree: endpoint transfer mutates the receiving
// task's manifest from the sender's execution context, so mutation is not
// confined to a single actor the way plain record/release is.
type StateManifest struct {
	mu        sync.Mutex
	owner     uint64
	entries   *treemap.Map // drainKey -> ResourceHandle
	teardowns TeardownTable
}

// New creates an empty manifest for the task identified by owner.
// The teardown table must cover every kind the kernel can grant.
func New(owner uint64, teardowns TeardownTable) *StateManifest {
	return &StateManifest{
		owner:     owner,
		entries:   treemap.NewWith(drainKeyCmp),
		teardowns: teardowns,
	}
}

// Owner returns the TaskID this manifest belongs to.
func (m *StateManifest) Owner() uint64 { return m.owner }

// Record adds a freshly granted handle to the ledger.
func (m *StateManifest) Record(h ResourceHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.entries.Get(keyOf(h)); dup {
		return fmt.Errorf("%w: %s already owned by task %d", ErrDuplicateHandle, h, m.owner)
	}
	m.entries.Put(keyOf(h), h)
	return nil
}

// Release removes one entry and runs its kind-specific teardown. On teardown
// failure the entry stays in the ledger so the resource is never lost track
// of; drain will retry it.
func (m *StateManifest) Release(h ResourceHandle) error {
	m.mu.Lock()
	if _, ok := m.entries.Get(keyOf(h)); !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s not owned by task %d", ErrUnknownHandle, h, m.owner)
	}
	td := m.teardowns[h.Kind()]
	m.mu.Unlock()

	// Teardown runs unlocked: it calls back into the granting subsystem,
	// which may take its own locks.
	if td != nil {
		if err := td(h); err != nil {
			return fmt.Errorf("teardown of %s failed: %w", h, err)
		}
	}

	m.mu.Lock()
	m.entries.Remove(keyOf(h))
	m.mu.Unlock()
	return nil
}

// Forget removes an entry without running teardown. Used by ownership
// transfer, where the resource lives on under a different owner.
func (m *StateManifest) forget(h ResourceHandle) bool {
	if _, ok := m.entries.Get(keyOf(h)); !ok {
		return false
	}
	m.entries.Remove(keyOf(h))
	return true
}

// Drain releases every remaining entry in drain-key order: locks, then heap
// regions, then channel endpoints, then hardware resources, then child task
// handles, ascending mint sequence within each kind. A failing teardown is
// retried up to retries extra times, then the entry is marked leaked and
// draining continues; reclaiming the rest is never worse than doing nothing.
// Drain on an empty manifest is a no-op.
func (m *StateManifest) Drain(retries int, rep *DrainReport) {
	for {
		m.mu.Lock()
		it := m.entries.Iterator()
		if !it.First() {
			m.mu.Unlock()
			return
		}
		key := it.Key().(drainKey)
		h := it.Value().(ResourceHandle)
		td := m.teardowns[h.Kind()]
		m.mu.Unlock()

		var err error
		attempts := 0
		for attempts = 1; ; attempts++ {
			if td == nil {
				err = nil
				break
			}
			if err = td(h); err == nil {
				break
			}
			if attempts > retries {
				break
			}
		}

		m.mu.Lock()
		m.entries.Remove(key)
		m.mu.Unlock()

		if rep != nil {
			rep.add(h, attempts, err)
		}
	}
}

// Len reports how many entries the manifest currently holds.
func (m *StateManifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Size()
}

// Contains reports whether the manifest owns h.
func (m *StateManifest) Contains(h ResourceHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries.Get(keyOf(h))
	return ok
}

// Handles returns every owned handle in drain order.
func (m *StateManifest) Handles() []ResourceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResourceHandle, 0, m.entries.Size())
	it := m.entries.Iterator()
	for it.Next() {
		out = append(out, it.Value().(ResourceHandle))
	}
	return out
}

// Transfer atomically re-keys a handle from one manifest to another, so the
// handle is never visible in both and never in neither. Manifests are locked
// in owner order to keep concurrent transfers deadlock-free.
func Transfer(h ResourceHandle, from, to *StateManifest) error {
	if from == to {
		return nil
	}
	first, second := from, to
	if second.owner < first.owner {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if !from.forget(h) {
		return fmt.Errorf("%w: %s not owned by task %d", ErrUnknownHandle, h, from.owner)
	}
	if _, dup := to.entries.Get(keyOf(h)); dup {
		// Restore the source entry before reporting; a transfer must
		// never orphan the handle.
		from.entries.Put(keyOf(h), h)
		return fmt.Errorf("%w: %s already owned by task %d", ErrDuplicateHandle, h, to.owner)
	}
	to.entries.Put(keyOf(h), h)
	return nil
}
