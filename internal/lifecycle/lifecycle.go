// Package lifecycle implements spec.md §4.2's worker population
// management: target-count sizing at startup, the crash->restart
// supervisor loop, and teardown.
package lifecycle

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/mjtrangoni/wprocd/internal/dispatch"
	"github.com/mjtrangoni/wprocd/internal/spawn"
	"github.com/mjtrangoni/wprocd/internal/worker"
)

// DefaultRestartDelay matches the reference implementation's fixed 1s
// backoff before respawning a crashed worker.
const DefaultRestartDelay = time.Second

// ErrShrinkUnsupported is returned by InitWorkers when desired resolves to
// a target smaller than the currently-alive worker count, per spec.md
// §4.7's "refuse (shrink unsupported)".
var ErrShrinkUnsupported = errors.New("lifecycle: shrinking the worker pool is not supported")

// TargetCount implements spec.md §4.2's init_workers sizing rule:
//   - desired == 0: max(4, floor(runtime.NumCPU() * 1.5))
//   - desired < 0:  runtime.NumCPU() + |desired|
//   - desired > 0:  desired, unchanged
func TargetCount(desired int) int {
	switch {
	case desired == 0:
		n := int(float64(runtime.NumCPU()) * 1.5)
		if n < 4 {
			n = 4
		}
		return n
	case desired < 0:
		return runtime.NumCPU() + (-desired)
	default:
		return desired
	}
}

// Supervisor owns the pool's target population: it spawns the initial
// batch of workers and respawns one every time HandleWorkerGone reports a
// death, mirroring the reference implementation's worker_instance
// auto-restart behavior without its any kill(0,...) liveness probe —
// process exit is discovered exclusively via the broker's EOF event.
type Supervisor struct {
	Subsystem *dispatch.Subsystem
	Spawner   spawn.Spawner

	SourceName   string
	Plugins      []string
	MaxJobs      int
	RestartDelay time.Duration

	Log zerolog.Logger
}

// InitWorkers implements spec.md §4.7's init_workers exactly: a no-op if
// the pool is already at the target size, a refusal if the target would
// shrink it, and on any spawn failure while filling empty slots, a full
// teardown of the entire subsystem before returning the error — the
// subsystem is inoperative, not partially populated.
func (sv *Supervisor) InitWorkers(desired int) error {
	target := TargetCount(desired)
	current := sv.WorkersAlive()

	if current == target {
		return nil
	}
	if target < current {
		return ErrShrinkUnsupported
	}

	for i := current; i < target; i++ {
		if _, err := sv.Subsystem.AddWorker(sv.Spawner, sv.SourceName, sv.Plugins, sv.MaxJobs); err != nil {
			sv.Log.Error().Err(err).Int("attempt", i).Msg("failed to start worker, tearing down subsystem")
			sv.Teardown(true)
			return fmt.Errorf("lifecycle: init_workers: %w", err)
		}
	}
	return nil
}

// WorkersAlive returns the number of worker handles the subsystem
// currently tracks (any state other than fully torn down).
func (sv *Supervisor) WorkersAlive() int {
	return len(sv.Subsystem.Handles())
}

// HandleWorkerGone is passed to resulthandler.Handler as its Untrack
// callback: by the time it runs, HandleEOF has already removed h from
// every pool and resubmitted its in-flight jobs. This only needs to drop
// h from the id index and schedule a replacement.
func (sv *Supervisor) HandleWorkerGone(h *worker.Handle) {
	sv.Subsystem.Untrack(h)

	delay := sv.RestartDelay
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	sv.Log.Warn().Str("worker", h.SourceName).Int("pid", h.PID).Dur("restart_delay", delay).
		Msg("worker process gone, scheduling restart")

	go func() {
		time.Sleep(delay)
		if _, err := sv.Subsystem.AddWorker(sv.Spawner, sv.SourceName, sv.Plugins, sv.MaxJobs); err != nil {
			sv.Log.Error().Err(err).Str("worker", sv.SourceName).Msg("failed to restart worker")
		}
	}()
}

// Teardown stops every tracked worker. force is logged but otherwise
// unused: the reference implementation's force flag exists to let a
// worker process skip destroying its own parent's bookkeeping, a
// condition that cannot arise here since a Go worker handle never shares
// an address space with the process it represents.
func (sv *Supervisor) Teardown(force bool) {
	for _, h := range sv.Subsystem.Handles() {
		pid := h.PID // read before any teardown step, preserved from the reference ordering
		sv.Subsystem.Broker.Unregister(h.ID)
		_ = h.Close()
		sv.Subsystem.Registry.RemoveEverywhere(h)
		sv.Subsystem.Untrack(h)
		sv.Log.Info().Str("worker", h.SourceName).Int("pid", pid).Bool("force", force).Msg("worker torn down")
	}
}
