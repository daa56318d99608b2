package manifest

import "github.com/google/uuid"

// DrainOutcome is the per-entry result of a drain.
type DrainOutcome string

const (
	OutcomeReleased DrainOutcome = "released"
	OutcomeLeaked   DrainOutcome = "leaked"
)

// DrainEntry records what happened to one handle during a drain.
type DrainEntry struct {
	Handle   ResourceHandle `json:"handle"`
	Kind     string         `json:"kind"`
	Outcome  DrainOutcome   `json:"outcome"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
}

// DrainReport collects the outcome of draining one task's manifest.
type DrainReport struct {
	ID      string       `json:"id"`
	TaskID  uint64       `json:"task_id"`
	Reason  string       `json:"reason"`
	Entries []DrainEntry `json:"entries"`
}

// NewDrainReport starts an empty report for the given task and reason.
func NewDrainReport(taskID uint64, reason string) *DrainReport {
	return &DrainReport{
		ID:     uuid.NewString(),
		TaskID: taskID,
		Reason: reason,
	}
}

func (r *DrainReport) add(h ResourceHandle, attempts int, err error) {
	e := DrainEntry{
		Handle:   h,
		Kind:     h.Kind().String(),
		Outcome:  OutcomeReleased,
		Attempts: attempts,
	}
	if err != nil {
		e.Outcome = OutcomeLeaked
		e.Error = err.Error()
	}
	r.Entries = append(r.Entries, e)
}

// Leaked returns the entries whose teardown ultimately failed.
func (r *DrainReport) Leaked() []DrainEntry {
	var out []DrainEntry
	for _, e := range r.Entries {
		if e.Outcome == OutcomeLeaked {
			out = append(out, e)
		}
	}
	return out
}
