package dispatch

import (
	"fmt"
	"io"

	"github.com/mjtrangoni/wprocd/internal/registry"
	"github.com/mjtrangoni/wprocd/internal/spawn"
	"github.com/mjtrangoni/wprocd/internal/wire"
	"github.com/mjtrangoni/wprocd/internal/worker"
)

// DefaultMaxJobs mirrors spec.md §4.2's (max usable fds - 1) / 2 sizing
// rule, evaluated against a fixed budget of 1025 fds, (1025-1)/2 = 512,
// rather than an actual rlimit query.
const DefaultMaxJobs = 512

// AddWorker spawns a new child worker process via sp, registers its
// connection with the broker, and inserts it into the global pool (and
// every named specialized pool in plugins). The handle is immediately
// StateRegistered: unlike an externally-connecting worker, a spawned
// child's identity is already known to the caller.
func (s *Subsystem) AddWorker(sp spawn.Spawner, sourceName string, plugins []string, maxJobs int) (*worker.Handle, error) {
	conn, pid, err := sp.Spawn()
	if err != nil {
		return nil, fmt.Errorf("dispatch: spawn %s: %w", sourceName, err)
	}
	return s.adoptWorker(conn, pid, sourceName, plugins, maxJobs), nil
}

// AddExternalWorker registers an already-connected worker that announced
// itself over the query-handler's "register" verb (internal/registry)
// rather than one this process spawned directly — spec.md §4.4's
// register_worker path, for third-party workers.
func (s *Subsystem) AddExternalWorker(conn io.ReadWriteCloser, sourceName string, plugins []string, maxJobs int) *worker.Handle {
	return s.adoptWorker(conn, 0, sourceName, plugins, maxJobs)
}

// RegisterHandlers attaches this subsystem's "register" verb to reg, so an
// externally-connecting worker that opens a control connection and sends
// a "register name=...\nplugin=..." body (newline-separated, per spec.md
// §4.4/§6 — distinct from the NUL-separated job/result wire protocol) is
// adopted the same way AddExternalWorker adopts one directly. Mirrors
// register_worker's attachment to the query handler in the reference
// implementation.
func (s *Subsystem) RegisterHandlers(reg *registry.Handlers) {
	reg.Register("register", func(conn io.ReadWriteCloser, body []byte) registry.Reply {
		var name string
		var plugins []string
		for _, kv := range wire.ParseRegistrationBody(body) {
			switch kv.Key {
			case wire.KeyName:
				name = kv.Value
			case wire.KeyPlugin:
				if kv.Value != "" {
					plugins = append(plugins, kv.Value)
				}
			}
		}
		if name == "" {
			return registry.Reply{Status: 400, Body: "missing name"}
		}
		wp := s.AddExternalWorker(conn, name, plugins, DefaultMaxJobs)
		return registry.Reply{Status: 0, Body: fmt.Sprintf("registered id=%d", wp.ID)}
	})
}

func (s *Subsystem) adoptWorker(conn io.ReadWriteCloser, pid int, sourceName string, plugins []string, maxJobs int) *worker.Handle {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	id := s.NewHandleID()
	h := worker.New(id, conn, pid, sourceName, maxJobs)
	h.SetState(worker.StateRegistered)

	s.TrackHandle(h)
	s.Registry.AddGlobal(h)
	if len(plugins) > 0 {
		s.Registry.AddSpecialized(h, plugins)
	}
	s.Broker.Register(id, conn)

	s.Log.Info().Str("worker", sourceName).Int("pid", pid).Int("max_jobs", maxJobs).
		Strs("plugins", plugins).Msg("worker registered")
	return h
}
