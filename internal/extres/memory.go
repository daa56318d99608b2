// Package extres holds the interfaces of the external collaborators the
// kernel core consumes (memory manager, lock subsystem, hardware registry,
// address spaces) plus in-process simulations of them used by the sim binary
// and the tests. The core only ever talks to the interfaces; the simulations
// additionally expose live-set accounting so tests can assert that nothing
// a terminated task owned is still allocated.
package extres

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MapFlags describe a requested region mapping.
type MapFlags uint8

const (
	FlagRead MapFlags = 1 << iota
	FlagWrite
	FlagExec
)

// HeapRegion is the memory manager's token for one mapped region.
type HeapRegion struct {
	Tag   string
	Size  uint64
	Flags MapFlags
}

// MemoryManager is the slice of the external memory subsystem the core
// needs: map, unmap, and address-space switch on dispatch.
type MemoryManager interface {
	MapRegion(size uint64, flags MapFlags) (HeapRegion, error)
	UnmapRegion(region HeapRegion) error
	SwapAddressSpace(tag string)
}

var (
	// ErrOutOfMemory is returned when the simulated manager's budget is
	// exhausted.
	ErrOutOfMemory = errors.New("extres: out of memory")

	// ErrRegionUnknown means an unmap targeted a region the manager does
	// not consider live. Double-unmap is exactly the corruption the
	// manifest exists to prevent, so the sim is strict about it.
	ErrRegionUnknown = errors.New("extres: unknown region")
)

// SimMemoryManager is an in-process memory manager with live-set accounting
// and fault injection for the leak path.
type SimMemoryManager struct {
	mu        sync.Mutex
	budget    uint64
	used      uint64
	live      map[string]HeapRegion
	failUnmap map[string]int // tag -> remaining failures to inject
	active    string
}

// NewSimMemoryManager creates a manager with the given byte budget.
// A zero budget means unlimited.
func NewSimMemoryManager(budget uint64) *SimMemoryManager {
	return &SimMemoryManager{
		budget:    budget,
		live:      make(map[string]HeapRegion),
		failUnmap: make(map[string]int),
	}
}

func (m *SimMemoryManager) MapRegion(size uint64, flags MapFlags) (HeapRegion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.budget != 0 && m.used+size > m.budget {
		return HeapRegion{}, fmt.Errorf("%w: %d of %d bytes in use", ErrOutOfMemory, m.used, m.budget)
	}
	r := HeapRegion{Tag: uuid.NewString(), Size: size, Flags: flags}
	m.live[r.Tag] = r
	m.used += size
	return r, nil
}

func (m *SimMemoryManager) UnmapRegion(region HeapRegion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.failUnmap[region.Tag]; n > 0 {
		m.failUnmap[region.Tag] = n - 1
		return fmt.Errorf("extres: injected unmap failure for %s", region.Tag)
	}
	r, ok := m.live[region.Tag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRegionUnknown, region.Tag)
	}
	delete(m.live, region.Tag)
	m.used -= r.Size
	return nil
}

func (m *SimMemoryManager) SwapAddressSpace(tag string) {
	m.mu.Lock()
	m.active = tag
	m.mu.Unlock()
}

// ActiveSpace returns the tag last installed by SwapAddressSpace.
func (m *SimMemoryManager) ActiveSpace() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// FailNextUnmaps makes the next n unmaps of the given region fail, for
// exercising the bounded-retry-then-leak path.
func (m *SimMemoryManager) FailNextUnmaps(tag string, n int) {
	m.mu.Lock()
	m.failUnmap[tag] = n
	m.mu.Unlock()
}

// LiveRegions returns the tags of all currently mapped regions.
func (m *SimMemoryManager) LiveRegions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.live))
	for tag := range m.live {
		out = append(out, tag)
	}
	return out
}

// LiveBytes returns how much of the budget is mapped.
func (m *SimMemoryManager) LiveBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
