// Package dispatch is the dispatcher core: it owns the pool registry, the
// broker, and the single goroutine ("the dispatcher loop") that is the Go
// stand-in for spec.md's one master thread. Every entry point in §4.5 and
// the result-handling behavior of §4.6 (delegated to internal/resulthandler)
// run exclusively on that goroutine.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mjtrangoni/wprocd/internal/broker"
	"github.com/mjtrangoni/wprocd/internal/job"
	"github.com/mjtrangoni/wprocd/internal/pool"
	"github.com/mjtrangoni/wprocd/internal/sink"
	"github.com/mjtrangoni/wprocd/internal/worker"
)

// Timeouts bundles the host-configured default timeouts spec.md's
// RunCheck/Notify entry points consult at submission time.
type Timeouts struct {
	ServiceCheck time.Duration
	HostCheck    time.Duration
	Notification time.Duration
}

// Subsystem collects the dispatcher core's mutable state into one handle
// passed to every operation, per spec.md §9's "eliminate package-level
// globals" design note — there is no package-level workers/specialized
// registry here at all.
type Subsystem struct {
	Registry *pool.Registry
	Broker   *broker.Broker
	Sink     sink.CheckResultSink
	Log      zerolog.Logger
	Timeouts Timeouts

	// OnSubmitError, if set, is called with a short reason tag whenever
	// doSubmit fails (no pool, pool empty, job table full, write error).
	OnSubmitError func(reason string)

	mu      sync.Mutex // guards handles/nextID; both also touched by lifecycle goroutines
	handles map[int]*worker.Handle
	nextID  int

	// submissions funnels every Subsystem.submit call onto the dispatcher loop
	// goroutine, so pool selection and job-table allocation — like every
	// other mutation of that state — have exactly one writer and need no
	// mutex (see SPEC_FULL.md §5).
	submissions chan submission
}

type submission struct {
	job   *job.Job
	reply chan error
}

// New creates an empty subsystem. evBuf sizes the broker's event channel;
// readCap is the per-read chunk size each worker's reader goroutine uses.
// The submission channel is unbuffered.
func New(s sink.CheckResultSink, log zerolog.Logger, timeouts Timeouts, evBuf, readCap int) *Subsystem {
	return &Subsystem{
		Registry:    pool.NewRegistry(),
		Broker:      broker.New(evBuf, readCap),
		Sink:        s,
		Log:         log,
		Timeouts:    timeouts,
		handles:     make(map[int]*worker.Handle),
		submissions: make(chan submission),
	}
}

// NewHandleID reserves the next worker-handle id. Handle ids double as
// broker connection ids.
func (s *Subsystem) NewHandleID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// TrackHandle records h so ByID can find it later (e.g. from a broker
// event carrying only a connection id).
func (s *Subsystem) TrackHandle(h *worker.Handle) {
	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()
}

// Untrack removes h from the id index.
func (s *Subsystem) Untrack(h *worker.Handle) {
	s.mu.Lock()
	delete(s.handles, h.ID)
	s.mu.Unlock()
}

// ByID looks up a tracked handle.
func (s *Subsystem) ByID(id int) (*worker.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Handles returns a snapshot of every tracked worker handle, for status
// reporting.
func (s *Subsystem) Handles() []*worker.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker.Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// getWorker implements spec.md §4.3 steps 1-6: select a pool for cmd
// (specialized, falling back to global), round-robin within it, allocate
// a job slot on the chosen worker, and back-link the job to its slot.
// It is intentionally a single attempt: a worker whose table is full is
// still selected and its allocation failure is returned to the caller —
// spec.md explicitly preserves this as a known limitation rather than
// retrying against a different worker.
func (s *Subsystem) getWorker(j *job.Job) (*worker.Handle, error) {
	list, err := s.Registry.Select(j.Command)
	if err != nil {
		s.reportSubmitError("no_pool")
		return nil, err
	}
	wp := list.Next()
	if wp == nil {
		s.reportSubmitError("pool_empty")
		return nil, fmt.Errorf("dispatch: selected pool is empty")
	}
	// TODO: spill to a less-busy worker when wp's table is full instead of
	// failing the submission outright (spec.md §4.3/§9 known limitation).
	if _, err := wp.Jobs.Allocate(j); err != nil {
		s.reportSubmitError("job_table_full")
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	j.WorkerIdx = wp.ID
	return wp, nil
}

func (s *Subsystem) reportSubmitError(reason string) {
	if s.OnSubmitError != nil {
		s.OnSubmitError(reason)
	}
}
