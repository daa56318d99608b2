// internal/sched/audit.go

package sched

import (
	"fmt"

	"spillsafe/internal/manifest"
	"spillsafe/internal/task"
)

// Audit cross-checks the ownership bookkeeping: every granted resource in
// the kernel registries must be traceable to exactly one live task's
// manifest (or to the leak ledger), and every manifest entry must have
// backing in a registry. An empty result is the no-spill and
// exactly-one-owner invariants holding at this instant.
func (k *Kernel) Audit() []error {
	k.mu.Lock()
	tasks := make([]*task.Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		tasks = append(tasks, t)
	}
	type registries struct {
		regions  map[manifest.ResourceHandle]struct{}
		locks    map[manifest.ResourceHandle]struct{}
		chans    map[manifest.ResourceHandle]struct{}
		hw       map[manifest.ResourceHandle]struct{}
		children map[manifest.ResourceHandle]struct{}
		leaked   map[manifest.ResourceHandle]struct{}
	}
	reg := registries{
		regions:  make(map[manifest.ResourceHandle]struct{}, len(k.regions)),
		locks:    make(map[manifest.ResourceHandle]struct{}, len(k.lockHandles)),
		chans:    make(map[manifest.ResourceHandle]struct{}, len(k.chanEnds)),
		hw:       make(map[manifest.ResourceHandle]struct{}, len(k.hwNames)),
		children: make(map[manifest.ResourceHandle]struct{}, len(k.children)),
		leaked:   make(map[manifest.ResourceHandle]struct{}, len(k.leaked)),
	}
	for h := range k.regions {
		reg.regions[h] = struct{}{}
	}
	for h := range k.lockHandles {
		reg.locks[h] = struct{}{}
	}
	for h := range k.chanEnds {
		reg.chans[h] = struct{}{}
	}
	for h := range k.hwNames {
		reg.hw[h] = struct{}{}
	}
	for h := range k.children {
		reg.children[h] = struct{}{}
	}
	for h := range k.leaked {
		reg.leaked[h] = struct{}{}
	}
	k.mu.Unlock()

	var probs []error

	owners := make(map[manifest.ResourceHandle][]task.ID)
	for _, t := range tasks {
		if t.State() == task.Terminated {
			probs = append(probs, fmt.Errorf("terminated task %d still in task table", t.ID()))
		}
		for _, h := range t.Manifest().Handles() {
			owners[h] = append(owners[h], t.ID())
		}
	}

	for h, who := range owners {
		if len(who) > 1 {
			probs = append(probs, fmt.Errorf("handle %s owned by %d tasks: %v", h, len(who), who))
		}
		var backed bool
		switch h.Kind() {
		case manifest.KindHeapRegion:
			_, backed = reg.regions[h]
		case manifest.KindLock:
			_, backed = reg.locks[h]
		case manifest.KindChannelEndpoint:
			_, backed = reg.chans[h]
		case manifest.KindHardwareResource:
			_, backed = reg.hw[h]
		case manifest.KindChildTask:
			_, backed = reg.children[h]
		}
		if !backed {
			probs = append(probs, fmt.Errorf("manifest entry %s has no backing registry record", h))
		}
	}

	check := func(set map[manifest.ResourceHandle]struct{}, what string) {
		for h := range set {
			if _, tracked := owners[h]; tracked {
				continue
			}
			if _, leak := reg.leaked[h]; leak {
				continue
			}
			probs = append(probs, fmt.Errorf("%s %s granted but in no live manifest", what, h))
		}
	}
	check(reg.regions, "heap region")
	check(reg.locks, "lock")
	check(reg.chans, "channel endpoint")
	check(reg.hw, "hardware resource")
	check(reg.children, "child handle")

	return probs
}
