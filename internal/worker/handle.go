package worker

import (
	"io"
	"sync"

	"github.com/mjtrangoni/wprocd/internal/wire"
)

// State tracks a worker's lifecycle, named the way the teacher repo names
// its WorkerState enum.
type State int

const (
	StateStarting State = iota
	StateRegistered
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRegistered:
		return "registered"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Handle is the per-child state spec.md calls the "worker handle": the
// control connection, OS pid (0 for a third-party, non-spawned worker),
// and the bounded job table addressed by slot id.
type Handle struct {
	ID         int
	Conn       io.ReadWriteCloser
	PID        int // 0 means "registered but not a child we spawned"
	SourceName string

	Jobs *JobTable

	mu    sync.Mutex
	state State

	dec *wire.Decoder
}

// ReadBufCap is the read-side cache size spec.md §4.4 calls for, 1 MiB per
// worker. Feed callers (internal/broker's reader goroutine) should read in
// chunks no larger than this.
const ReadBufCap = 1 << 20

// New creates a worker handle whose job table has maxJobs slots. maxJobs
// is whatever the caller passes (internal/dispatch uses DefaultMaxJobs
// unless told otherwise); it is not derived from the process's fd limit.
func New(id int, conn io.ReadWriteCloser, pid int, sourceName string, maxJobs int) *Handle {
	return &Handle{
		ID:         id,
		Conn:       conn,
		PID:        pid,
		SourceName: sourceName,
		Jobs:       NewJobTable(maxJobs),
		state:      StateStarting,
		dec:        wire.NewDecoder(),
	}
}

// Decoder returns the frame decoder bound to this worker's connection.
func (h *Handle) Decoder() *wire.Decoder { return h.dec }

// State returns the current lifecycle state (safe to call from any
// goroutine — unlike job-table mutation, state is read from both the
// dispatcher loop and health/monitor goroutines).
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState updates the lifecycle state.
func (h *Handle) SetState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Close closes the control connection. Safe to call more than once.
func (h *Handle) Close() error {
	return h.Conn.Close()
}
