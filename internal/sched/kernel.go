// internal/sched/kernel.go

package sched

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/maps/treemap"

	"spillsafe/internal/extres"
	"spillsafe/internal/manifest"
	"spillsafe/internal/task"
)

// EntryFunc is a task body. Returning nil is a normal exit; returning an
// error or panicking is a fault routed through the recovery controller.
type EntryFunc func(*TaskContext) error

// core is the per-core dispatch state: one run queue, one current task, and
// a wake signal for leaving idle.
type core struct {
	id     int
	queue  *RunQueue
	wake   chan struct{}
	mu     sync.Mutex
	cur    *task.Task
	halted bool
}

func (c *core) setCurrent(t *task.Task) {
	c.mu.Lock()
	c.cur = t
	c.mu.Unlock()
}

func (c *core) current() *task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *core) isHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// timerKey orders pending deadline callbacks by expiry tick.
type timerKey struct {
	tick int64
	seq  uint64
}

func timerKeyCmp(a, b any) int {
	ka, kb := a.(timerKey), b.(timerKey)
	switch {
	case ka.tick < kb.tick:
		return -1
	case ka.tick > kb.tick:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// Kernel is the task and state-ownership core: per-core run queues, the
// process-wide task table, the channel and lock wait machinery, and the
// fault recovery controller. One instance per system, kernel lifetime.
type Kernel struct {
	cfg Config
	log *slog.Logger

	mm    extres.MemoryManager
	locks *extres.LockTable
	hw    *extres.HardwareRegistry

	clock *TickClock
	now   atomic.Int64

	minter     manifest.Minter
	nextTaskID atomic.Uint64
	enqSeq     atomic.Uint64

	mu          sync.Mutex
	tasks       map[task.ID]*task.Task
	cores       []*core
	regions     map[manifest.ResourceHandle]extres.HeapRegion
	lockHandles map[manifest.ResourceHandle]extres.LockID
	lockStates  map[extres.LockID]*lockState
	chanEnds    map[manifest.ResourceHandle]*chanEnd
	hwNames     map[manifest.ResourceHandle]string
	children    map[manifest.ResourceHandle]task.ID
	waitCancels map[task.ID]func()
	leaked      map[manifest.ResourceHandle]string
	timers      *treemap.Map // timerKey -> func()
	timerSeq    uint64

	rootSpace *extres.AddressSpace
	recovery  *FaultRecovery

	statusCh chan StatusEvent
	dropped  atomic.Int64

	csvMu     sync.Mutex
	csvFile   *os.File
	csvWriter *csv.Writer

	traceMu sync.Mutex
	traceW  io.Writer

	started atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a kernel with simulated collaborators. Override them with the
// With* setters before Start.
func New(cfg Config) *Kernel {
	k := &Kernel{
		cfg:         cfg,
		log:         slog.Default(),
		mm:          extres.NewSimMemoryManager(cfg.MemoryBudget),
		locks:       extres.NewLockTable(),
		hw:          extres.NewHardwareRegistry(),
		clock:       NewTickClock(256),
		tasks:       make(map[task.ID]*task.Task),
		regions:     make(map[manifest.ResourceHandle]extres.HeapRegion),
		lockHandles: make(map[manifest.ResourceHandle]extres.LockID),
		lockStates:  make(map[extres.LockID]*lockState),
		chanEnds:    make(map[manifest.ResourceHandle]*chanEnd),
		hwNames:     make(map[manifest.ResourceHandle]string),
		children:    make(map[manifest.ResourceHandle]task.ID),
		waitCancels: make(map[task.ID]func()),
		leaked:      make(map[manifest.ResourceHandle]string),
		timers:      treemap.NewWith(timerKeyCmp),
		rootSpace:   extres.NewAddressSpace(),
		statusCh:    make(chan StatusEvent, 1024),
		stopCh:      make(chan struct{}),
	}
	k.recovery = &FaultRecovery{k: k}
	for i := 0; i < cfg.Cores; i++ {
		k.cores = append(k.cores, &core{
			id:    i,
			queue: NewRunQueue(),
			wake:  make(chan struct{}, 1),
		})
	}
	return k
}

// WithLogger replaces the default logger. Must be called before Start.
func (k *Kernel) WithLogger(logger *slog.Logger) *Kernel {
	k.log = logger
	return k
}

// WithMemoryManager replaces the simulated memory manager.
func (k *Kernel) WithMemoryManager(mm extres.MemoryManager) *Kernel {
	k.mm = mm
	return k
}

// WithTraceWriter enables the JSON recovery trace: one drain report per
// terminated task, one line each.
func (k *Kernel) WithTraceWriter(w io.Writer) *Kernel {
	k.traceW = w
	return k
}

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before Start().
func (k *Kernel) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write([]string{"timestamp", "tick", "event", "task_id", "core", "detail"})
	w.Flush()
	k.csvFile = f
	k.csvWriter = w
	return nil
}

// Recovery exposes the fault recovery controller: the registration target
// for the external exception subsystem.
func (k *Kernel) Recovery() *FaultRecovery { return k.recovery }

// Locks exposes the external lock subsystem bookkeeping (sim).
func (k *Kernel) Locks() *extres.LockTable { return k.locks }

// Hardware exposes the external hardware claim registry (sim).
func (k *Kernel) Hardware() *extres.HardwareRegistry { return k.hw }

// Memory exposes the memory manager collaborator.
func (k *Kernel) Memory() extres.MemoryManager { return k.mm }

// Events exposes the read-only status stream (optional consumers).
func (k *Kernel) Events() <-chan StatusEvent { return k.statusCh }

// Now returns the current virtual tick.
func (k *Kernel) Now() int64 { return k.now.Load() }

// Start launches one dispatch loop per core and, unless tick_ms is zero,
// the timer pump. Idempotent.
func (k *Kernel) Start() {
	if !k.started.CompareAndSwap(false, true) {
		return
	}
	for _, c := range k.cores {
		k.wg.Add(1)
		go k.runCore(c)
	}
	if k.cfg.TickMS > 0 {
		k.clock.Start(time.Duration(k.cfg.TickMS) * time.Millisecond)
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			for {
				select {
				case <-k.clock.Ch:
					k.TickAll()
				case <-k.stopCh:
					return
				}
			}
		}()
	}
}

// Stop halts dispatching. Kernel state is not torn down; the kernel is a
// process-lifetime singleton and Stop exists for the sim binary and tests.
func (k *Kernel) Stop() {
	k.stopped.Do(func() {
		close(k.stopCh)
		k.clock.Stop()
		for _, c := range k.cores {
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	})
	k.csvMu.Lock()
	if k.csvFile != nil {
		k.csvWriter.Flush()
		k.csvFile.Close()
		k.csvFile = nil
	}
	k.csvMu.Unlock()
}

// Spawn creates the root-level task: Runnable, empty manifest, enqueued on
// the least-loaded core its affinity allows. The boot sequence calls this
// once for the initial task; everything else usually spawns through a
// TaskContext so the child is recorded in the parent's manifest.
func (k *Kernel) Spawn(entry EntryFunc, priority int, affinity task.Affinity) (task.ID, error) {
	t, err := k.spawn(entry, priority, affinity, nil, nil)
	if err != nil {
		return 0, err
	}
	return t.ID(), nil
}

// spawn creates and enqueues a task. When a parent hands off channel
// endpoints, they are re-keyed into the child's manifest before the child
// is ever runnable, so the child finds them owned on first dispatch.
func (k *Kernel) spawn(entry EntryFunc, priority int, affinity task.Affinity, parent *task.Task, handoff []manifest.ResourceHandle) (*task.Task, error) {
	k.mu.Lock()
	if len(k.tasks) >= k.cfg.MaxTasks {
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: %d tasks", ErrResourceExhausted, k.cfg.MaxTasks)
	}
	id := task.ID(k.nextTaskID.Add(1))
	t := task.New(id, priority, affinity, k.teardownTable(id))

	var moved []*chanEnd
	for _, h := range handoff {
		end, ok := k.chanEnds[h]
		if !ok || end.owner != parent.ID() {
			err := fmt.Errorf("%w: cannot hand off %s", ErrNotOwner, h)
			k.undoHandoffLocked(moved, parent, t)
			k.mu.Unlock()
			return nil, err
		}
		if err := manifest.Transfer(h, parent.Manifest(), t.Manifest()); err != nil {
			k.undoHandoffLocked(moved, parent, t)
			k.mu.Unlock()
			return nil, err
		}
		end.owner = id
		moved = append(moved, end)
	}

	t.BindAddressSpace(k.rootSpace)
	t.SetHomeCore(k.pickCoreLocked(affinity))
	k.tasks[id] = t
	k.enqueueLocked(t)
	k.mu.Unlock()

	go k.runTask(t, entry)
	k.emit(StatusSpawn, id, t.HomeCore(), "")
	return t, nil
}

// undoHandoffLocked returns already-moved endpoints to the parent when a
// spawn-time handoff fails partway.
func (k *Kernel) undoHandoffLocked(moved []*chanEnd, parent, t *task.Task) {
	for _, end := range moved {
		if err := manifest.Transfer(end.handle, t.Manifest(), parent.Manifest()); err == nil {
			end.owner = parent.ID()
		}
	}
}

// pickCoreLocked does the only load balancing there is: least-loaded queue
// among affinity-permitted cores at spawn time. No live migration.
func (k *Kernel) pickCoreLocked(affinity task.Affinity) int {
	best, bestLen := -1, -1
	for _, c := range k.cores {
		if !affinity.Allows(c.id) || c.isHalted() {
			continue
		}
		l := c.queue.Len()
		if c.current() != nil {
			l++
		}
		if best == -1 || l < bestLen {
			best, bestLen = c.id, l
		}
	}
	if best == -1 {
		best = 0 // affinity excludes every core; pin to core 0 rather than lose the task
	}
	return best
}

// enqueueLocked queues a Runnable task on its home core and wakes the core.
func (k *Kernel) enqueueLocked(t *task.Task) {
	t.SetEnqueueSeq(k.enqSeq.Add(1))
	c := k.cores[t.HomeCore()]
	c.queue.Push(t)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// makeRunnableLocked wakes a Blocked task.
func (k *Kernel) makeRunnableLocked(t *task.Task) {
	if err := t.Transition(task.Runnable); err != nil {
		k.corrupt(err)
		return
	}
	k.enqueueLocked(t)
}

// corrupt reports an internal invariant violation. These are never
// recoverable; the affected core's loop exits when it sees the flag.
func (k *Kernel) corrupt(err error) {
	k.log.Error("kernel invariant violation", "err", err)
	panic(err)
}

// runCore is one core's dispatch loop.
func (k *Kernel) runCore(c *core) {
	defer k.wg.Done()
	for {
		select {
		case <-k.stopCh:
			return
		default:
		}

		t := c.queue.Pop()
		if t == nil {
			k.emit(StatusIdle, 0, c.id, "")
			select {
			case <-c.wake:
			case <-k.stopCh:
				return
			}
			continue
		}

		if err := t.Transition(task.Running); err != nil {
			k.haltCore(c, err)
			return
		}
		t.ClearPreempt()
		t.ResetSlice(int64(k.cfg.SliceTicks))
		c.setCurrent(t)
		k.mm.SwapAddressSpace(t.AddressSpace().Tag())
		k.emit(StatusDispatch, t.ID(), c.id, "")

		info := t.Resume(task.ResumeMsg{Die: t.KillRequested()})
		// A task that yields with a kill pending is resumed one more
		// time with the die flag so it unwinds at this safe point
		// instead of getting another slice.
		for info.Reason == task.ParkYield && t.KillRequested() {
			info = t.Resume(task.ResumeMsg{Die: true})
		}
		c.setCurrent(nil)

		switch info.Reason {
		case task.ParkYield:
			if err := t.Transition(task.Runnable); err != nil {
				k.haltCore(c, err)
				return
			}
			kind := StatusYield
			if info.Preempted {
				kind = StatusPreempt
			}
			k.mu.Lock()
			k.enqueueLocked(t)
			k.mu.Unlock()
			k.emit(kind, t.ID(), c.id, "")
		case task.ParkBlocked:
			// Already transitioned to Blocked and registered on a
			// wait list by the blocking operation.
		case task.ParkExitNormal:
			k.recovery.finishNormal(t, c.id)
		case task.ParkFault:
			k.recovery.finishFault(t, c.id, info.Fault, info.FaultDetail)
		case task.ParkKilled:
			k.recovery.finishKilled(t, c.id)
		}
	}
}

// haltCore stops scheduling on one core after a corruption-class error.
// Other cores keep running where isolation permits.
func (k *Kernel) haltCore(c *core, err error) {
	c.mu.Lock()
	c.halted = true
	c.cur = nil
	c.mu.Unlock()
	k.log.Error("core halted on invariant violation", "core", c.id, "err", err)
}

// Tick is the per-core timer interrupt hook: it charges the running task
// one slice tick and posts a preemption request on exhaustion. The actual
// reschedule happens at the task's next safe point.
func (k *Kernel) Tick(coreID int) {
	if coreID < 0 || coreID >= len(k.cores) {
		return
	}
	c := k.cores[coreID]
	cur := c.current()
	if cur == nil {
		return
	}
	if cur.TickSlice() <= 0 {
		cur.RequestPreempt()
	}
}

// TickAll advances the virtual clock one tick: fires due deadline timers,
// then delivers the timer interrupt to every core. The timer pump calls
// this in real-time mode; tests call it directly.
func (k *Kernel) TickAll() {
	now := k.now.Add(1)
	k.emit(StatusTick, 0, -1, "")
	k.fireTimers(now)
	for i := range k.cores {
		k.Tick(i)
	}
}

// registerTimerLocked schedules fn to run delay ticks from now. k.mu held.
func (k *Kernel) registerTimerLocked(delay int64, fn func()) {
	k.timerSeq++
	k.timers.Put(timerKey{tick: k.now.Load() + delay, seq: k.timerSeq}, fn)
}

func (k *Kernel) fireTimers(now int64) {
	k.mu.Lock()
	var due []func()
	for {
		it := k.timers.Iterator()
		if !it.First() {
			break
		}
		key := it.Key().(timerKey)
		if key.tick > now {
			break
		}
		due = append(due, it.Value().(func()))
		k.timers.Remove(key)
	}
	// Timer bodies retake k.mu themselves.
	k.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// runTask is the goroutine backing one task: it waits for first dispatch,
// runs the body, and converts returns, panics, and unwinds into the final
// park the dispatch loop hands to recovery.
func (k *Kernel) runTask(t *task.Task, entry EntryFunc) {
	msg := t.AwaitFirstResume()
	if msg.Die {
		t.ParkFinal(task.ParkInfo{Reason: task.ParkKilled})
		return
	}
	info := task.ParkInfo{Reason: task.ParkExitNormal}
	func() {
		defer func() {
			if v := recover(); v != nil {
				switch v.(type) {
				case killUnwind:
					info = task.ParkInfo{Reason: task.ParkKilled}
				case exitUnwind:
					info = task.ParkInfo{Reason: task.ParkExitNormal}
				default:
					kind, detail := task.ClassifyPanic(v)
					info = task.ParkInfo{Reason: task.ParkFault, Fault: kind, FaultDetail: detail}
				}
			}
		}()
		if err := entry(&TaskContext{k: k, t: t}); err != nil {
			info = task.ParkInfo{Reason: task.ParkFault, Fault: task.FaultAssertion, FaultDetail: err.Error()}
		}
	}()
	t.ParkFinal(info)
}

// killUnwind and exitUnwind ride the panic path to unwind a task's stack
// from inside a safe point; the runner translates them into final parks.
type killUnwind struct{}
type exitUnwind struct{}

// parkYield is the reschedule safe point used by yield and preemption.
func (k *Kernel) parkYield(t *task.Task, preempted bool) {
	msg := t.Park(task.ParkInfo{Reason: task.ParkYield, Preempted: preempted})
	if msg.Die {
		panic(killUnwind{})
	}
}

// parkBlocked suspends the calling task after it registered on a wait list.
func (k *Kernel) parkBlocked(t *task.Task) {
	msg := t.Park(task.ParkInfo{Reason: task.ParkBlocked})
	if msg.Die {
		panic(killUnwind{})
	}
}

// safePoint honors pending preemption and kill requests. Every TaskContext
// operation passes through here first.
func (k *Kernel) safePoint(t *task.Task) {
	if t.KillRequested() || t.PreemptRequested() {
		t.ClearPreempt()
		k.parkYield(t, true)
	}
}

// AdjustPriority changes an existing task's priority on the fly. A queued
// task is requeued so the new band takes effect immediately; a Running or
// Blocked task picks it up on its next enqueue.
func (k *Kernel) AdjustPriority(id task.ID, newPriority int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchTask, id)
	}
	t.SetPriority(newPriority)
	c := k.cores[t.HomeCore()]
	if _, queued := c.queue.Remove(id); queued {
		c.queue.Push(t)
	}
	k.emit(StatusPriorityUpdate, id, t.HomeCore(), strconv.Itoa(t.Priority()))
	return nil
}

// TaskState reports a task's lifecycle state. Terminated tasks are removed
// from the table, so a known-but-gone id reports Terminated.
func (k *Kernel) TaskState(id task.ID) (task.State, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t, ok := k.tasks[id]; ok {
		return t.State(), nil
	}
	if uint64(id) > 0 && uint64(id) <= k.nextTaskID.Load() {
		return task.Terminated, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrNoSuchTask, id)
}

// TaskCount returns the number of live (non-Terminated) tasks.
func (k *Kernel) TaskCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tasks)
}

// lookupTask returns the live task or the proper error for a gone/unknown id.
func (k *Kernel) lookupTaskLocked(id task.ID) (*task.Task, error) {
	if t, ok := k.tasks[id]; ok {
		return t, nil
	}
	if uint64(id) > 0 && uint64(id) <= k.nextTaskID.Load() {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyTerminated, id)
	}
	return nil, fmt.Errorf("%w: %d", ErrNoSuchTask, id)
}

// WaitTerminated blocks until the task reaches Terminated or the wall-clock
// timeout expires. Used by the sim binary and tests.
func (k *Kernel) WaitTerminated(id task.ID, timeout time.Duration) error {
	k.mu.Lock()
	t, ok := k.tasks[id]
	if !ok {
		known := uint64(id) > 0 && uint64(id) <= k.nextTaskID.Load()
		k.mu.Unlock()
		if known {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrNoSuchTask, id)
	}
	k.mu.Unlock()
	select {
	case <-t.Done():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w while waiting for task %d", ErrTimedOut, id)
	}
}

// emit publishes a status event, never blocking the kernel: if no consumer
// keeps up the event is dropped and counted.
func (k *Kernel) emit(kind StatusKind, id task.ID, coreID int, detail string) {
	ev := StatusEvent{
		Time:   time.Now(),
		Tick:   k.now.Load(),
		Kind:   kind,
		TaskID: id,
		CoreID: coreID,
		Detail: detail,
	}
	select {
	case k.statusCh <- ev:
	default:
		k.dropped.Add(1)
	}

	if kind == StatusTick {
		return
	}
	k.csvMu.Lock()
	if k.csvWriter != nil {
		k.csvWriter.Write([]string{
			ev.Time.Format(time.RFC3339Nano),
			strconv.FormatInt(ev.Tick, 10),
			ev.Kind.String(),
			strconv.FormatUint(uint64(ev.TaskID), 10),
			strconv.Itoa(ev.CoreID),
			ev.Detail,
		})
		k.csvWriter.Flush()
	}
	k.csvMu.Unlock()
}

// DroppedEvents reports how many status events found no room in the stream.
func (k *Kernel) DroppedEvents() int64 { return k.dropped.Load() }
