package lifecycle

import (
	"errors"
	"io"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjtrangoni/wprocd/internal/dispatch"
)

// countingSpawner hands out net.Pipe connections, failing from the Nth
// call onward (failFrom == 0 means never fail).
type countingSpawner struct {
	calls     int
	failFrom  int
	keepAlive []net.Conn // retained so the pipe's other end is never GC'd mid-test
}

func (s *countingSpawner) Spawn() (io.ReadWriteCloser, int, error) {
	s.calls++
	if s.failFrom > 0 && s.calls >= s.failFrom {
		return nil, 0, errors.New("spawn failed")
	}
	client, server := net.Pipe()
	s.keepAlive = append(s.keepAlive, client)
	return server, 1000 + s.calls, nil
}

func TestTargetCountZeroUsesCPUHeuristic(t *testing.T) {
	want := int(float64(runtime.NumCPU()) * 1.5)
	if want < 4 {
		want = 4
	}
	assert.Equal(t, want, TargetCount(0))
}

func TestTargetCountNegativeAddsToCPUCount(t *testing.T) {
	assert.Equal(t, runtime.NumCPU()+3, TargetCount(-3))
}

func TestTargetCountPositiveIsUnchanged(t *testing.T) {
	assert.Equal(t, 7, TargetCount(7))
}

func newTestSupervisor(sp *countingSpawner) *Supervisor {
	return &Supervisor{
		Subsystem: dispatch.New(nil, zerolog.Nop(), dispatch.Timeouts{}, 16, 4096),
		Spawner:   sp,
		MaxJobs:   4,
		Log:       zerolog.Nop(),
	}
}

func TestInitWorkersSpawnsTargetCount(t *testing.T) {
	sv := newTestSupervisor(&countingSpawner{})
	require.NoError(t, sv.InitWorkers(3))
	assert.Equal(t, 3, sv.WorkersAlive())
}

func TestInitWorkersNoOpWhenAlreadyAtTarget(t *testing.T) {
	sp := &countingSpawner{}
	sv := newTestSupervisor(sp)
	require.NoError(t, sv.InitWorkers(3))
	require.NoError(t, sv.InitWorkers(3))
	assert.Equal(t, 3, sp.calls, "second call should not spawn any more workers")
}

func TestInitWorkersRefusesShrink(t *testing.T) {
	sv := newTestSupervisor(&countingSpawner{})
	require.NoError(t, sv.InitWorkers(5))
	err := sv.InitWorkers(2)
	assert.ErrorIs(t, err, ErrShrinkUnsupported)
	assert.Equal(t, 5, sv.WorkersAlive(), "a refused shrink must not remove any worker")
}

func TestInitWorkersTearsDownSubsystemOnSpawnFailure(t *testing.T) {
	sp := &countingSpawner{failFrom: 3}
	sv := newTestSupervisor(sp)
	err := sv.InitWorkers(5)
	require.Error(t, err)
	assert.Equal(t, 0, sv.WorkersAlive(), "a failed init must leave no workers registered")
}

func TestHandleWorkerGoneSchedulesRestart(t *testing.T) {
	sp := &countingSpawner{}
	sv := newTestSupervisor(sp)
	require.NoError(t, sv.InitWorkers(1))
	require.Equal(t, 1, sv.WorkersAlive())

	dead := sv.Subsystem.Handles()[0]
	sv.Subsystem.Untrack(dead) // drop it from the id index first, so the count can only return to 1 via the restart
	sv.RestartDelay = time.Millisecond

	sv.HandleWorkerGone(dead)

	require.Eventually(t, func() bool {
		return sv.WorkersAlive() == 1
	}, time.Second, 5*time.Millisecond)
}
