package extres

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// AddressSpace is owned exclusively by the memory manager; tasks hold only a
// ref-counted, non-owning reference to it. The count exists so the manager
// can tell when a space has no remaining users.
type AddressSpace struct {
	tag  string
	refs atomic.Int64
}

// NewAddressSpace allocates a fresh space with a unique tag.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{tag: uuid.NewString()}
}

func (a *AddressSpace) Tag() string { return a.tag }

func (a *AddressSpace) IncRef() { a.refs.Add(1) }

func (a *AddressSpace) DecRef() {
	if a.refs.Add(-1) < 0 {
		panic("extres: address space refcount underflow")
	}
}

// Refs returns the current reference count.
func (a *AddressSpace) Refs() int64 { return a.refs.Load() }
