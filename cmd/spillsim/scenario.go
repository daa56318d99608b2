package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"spillsafe/internal/sched"
	"spillsafe/internal/task"
	"spillsafe/internal/workload"
)

func runScenario() error {
	cfg := sched.Load(flags.config)
	if cfg.TickMS == 0 {
		cfg.TickMS = 5 // live runs need a ticking clock
	}
	fmt.Printf("Loaded config: %+v\n", cfg)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	k := sched.New(cfg).WithLogger(logger)

	if flags.csvPath != "" {
		if err := k.EnableCSVLogging(flags.csvPath); err != nil {
			return err
		}
	}
	if flags.trace != "" {
		f, err := os.Create(flags.trace)
		if err != nil {
			return err
		}
		defer f.Close()
		k.WithTraceWriter(f)
	}

	go printEvents(k)
	k.Start()
	defer k.Stop()

	ids, err := spawnScenario(k)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := k.WaitTerminated(id, 30*time.Second); err != nil {
			return fmt.Errorf("task %d never terminated: %w", id, err)
		}
	}
	// Let closure ripple through any remaining children.
	time.Sleep(200 * time.Millisecond)

	if probs := k.Audit(); len(probs) > 0 {
		fmt.Println("AUDIT FAILURES:")
		for _, p := range probs {
			fmt.Println("  -", p)
		}
		return fmt.Errorf("%d audit failures", len(probs))
	}
	fmt.Printf("audit clean: %d live tasks, %d dropped events\n", k.TaskCount(), k.DroppedEvents())
	return nil
}

func spawnScenario(k *sched.Kernel) ([]task.ID, error) {
	var ids []task.ID
	switch flags.scenario {
	case "fair":
		for i := 0; i < flags.tasks; i++ {
			id, err := k.Spawn(workload.Spinner(200), 10, 0)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	case "pipeline":
		id, err := k.Spawn(workload.Pipeline(flags.tasks, flags.messages), 10, 0)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	case "faultstorm":
		kinds := []task.FaultKind{
			task.FaultPageFault, task.FaultIllegalInstruction,
			task.FaultDivideError, task.FaultAssertion,
		}
		for i := 0; i < flags.tasks; i++ {
			id, err := k.Spawn(workload.Faulty(kinds[i%len(kinds)]), 10, 0)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	case "locks":
		lock := k.NewLock()
		for i := 0; i < flags.tasks; i++ {
			id, err := k.Spawn(workload.LockContender(lock, 10), 10, 0)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	default:
		return nil, fmt.Errorf("unknown scenario %q", flags.scenario)
	}
	return ids, nil
}

// printEvents mirrors the kernel status stream to stdout, one line per
// non-tick event.
func printEvents(k *sched.Kernel) {
	for ev := range k.Events() {
		if ev.Kind == sched.StatusTick || ev.Kind == sched.StatusIdle {
			continue
		}
		fmt.Printf("%s = Tick: %07d [%s] => Task: %04d, core %d %s\n",
			ev.Time.Format("Jan 02 15:04:05.000"),
			ev.Tick,
			center(ev.Kind.String(), 16),
			ev.TaskID,
			ev.CoreID,
			ev.Detail,
		)
	}
}

// center pads the event kind so the columns line up.
func center(str string, width int) string {
	if len(str) >= width {
		return str
	}
	spaces := (width - len(str)) / 2
	return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
}
