package worker

import (
	"fmt"

	"github.com/mjtrangoni/wprocd/internal/job"
)

// JobTable is a bounded ring of job slots belonging to one worker. It is
// not safe for concurrent use by design: all mutation happens from the
// single dispatcher loop (see internal/dispatch), which is how spec.md's
// "no locks needed on job-table state" claim is upheld in Go.
type JobTable struct {
	slots    []*job.Job
	jobIndex int
	running  int
	started  uint64
}

// NewJobTable allocates a table with the given slot capacity.
func NewJobTable(maxJobs int) *JobTable {
	return &JobTable{slots: make([]*job.Job, maxJobs)}
}

// MaxJobs returns the table's capacity.
func (t *JobTable) MaxJobs() int { return len(t.slots) }

// Running returns the number of currently occupied slots.
func (t *JobTable) Running() int { return t.running }

// Started returns the lifetime count of jobs ever allocated.
func (t *JobTable) Started() uint64 { return t.started }

// Allocate finds the first free slot starting at jobIndex, assigns j.ID to
// it, stores j, and returns the slot id. It short-circuits on a full table
// before scanning, and fails with an error if none is free.
func (t *JobTable) Allocate(j *job.Job) (int, error) {
	max := len(t.slots)
	if t.running == max {
		return -1, fmt.Errorf("worker: job table full (%d/%d)", t.running, max)
	}
	for i := t.jobIndex; i < t.jobIndex+max; i++ {
		slot := i % max
		if t.slots[slot] == nil {
			t.jobIndex = slot
			j.ID = slot
			t.slots[slot] = j
			t.running++
			t.started++
			return slot, nil
		}
	}
	// Unreachable given the running==max short circuit above, but kept as
	// a defensive error rather than a panic.
	return -1, fmt.Errorf("worker: no free slot despite running < max")
}

// Lookup returns the job occupying id%MaxJobs, if any.
func (t *JobTable) Lookup(id int) (*job.Job, bool) {
	max := len(t.slots)
	if max == 0 {
		return nil, false
	}
	slot := ((id % max) + max) % max
	j := t.slots[slot]
	if j == nil {
		return nil, false
	}
	return j, true
}

// Release frees the slot holding id, if occupied. Go's GC reclaims the
// payload itself. The slot is cleared the same way whatever the job type;
// there is no per-type handling and an unknown type is not logged.
func (t *JobTable) Release(id int) {
	max := len(t.slots)
	if max == 0 {
		return
	}
	slot := ((id % max) + max) % max
	if t.slots[slot] == nil {
		return
	}
	t.slots[slot] = nil
	t.running--
}

// Occupied returns every currently occupied job, in slot order. Used by
// the result handler's EOF-triggered resubmission path and by teardown.
func (t *JobTable) Occupied() []*job.Job {
	out := make([]*job.Job, 0, t.running)
	for _, j := range t.slots {
		if j != nil {
			out = append(out, j)
		}
	}
	return out
}
