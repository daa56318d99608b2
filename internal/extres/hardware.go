package extres

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrHardwareClaimed = errors.New("extres: hardware resource already claimed")
	ErrHardwareUnknown = errors.New("extres: hardware resource not claimed")
)

// HardwareRegistry tracks exclusive claims on named hardware resources
// (IRQ lines, ports, DMA channels) so the core can record and later release
// them through the manifest like everything else.
type HardwareRegistry struct {
	mu     sync.Mutex
	claims map[string]uint64
}

// NewHardwareRegistry creates an empty registry.
func NewHardwareRegistry() *HardwareRegistry {
	return &HardwareRegistry{claims: make(map[string]uint64)}
}

// Claim grants exclusive use of the named resource to owner.
func (hr *HardwareRegistry) Claim(name string, owner uint64) error {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if cur, ok := hr.claims[name]; ok {
		return fmt.Errorf("%w: %s held by task %d", ErrHardwareClaimed, name, cur)
	}
	hr.claims[name] = owner
	return nil
}

// Release drops the claim on the named resource.
func (hr *HardwareRegistry) Release(name string) error {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if _, ok := hr.claims[name]; !ok {
		return fmt.Errorf("%w: %s", ErrHardwareUnknown, name)
	}
	delete(hr.claims, name)
	return nil
}

// ClaimedBy returns the resources currently claimed by owner.
func (hr *HardwareRegistry) ClaimedBy(owner uint64) []string {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	var out []string
	for name, cur := range hr.claims {
		if cur == owner {
			out = append(out, name)
		}
	}
	return out
}

// Claimed returns every claimed resource name.
func (hr *HardwareRegistry) Claimed() []string {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	out := make([]string, 0, len(hr.claims))
	for name := range hr.claims {
		out = append(out, name)
	}
	return out
}
