package resulthandler

import (
	"net"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjtrangoni/wprocd/internal/job"
	"github.com/mjtrangoni/wprocd/internal/pool"
	"github.com/mjtrangoni/wprocd/internal/sink"
	"github.com/mjtrangoni/wprocd/internal/wire"
	"github.com/mjtrangoni/wprocd/internal/worker"
)

func newTestHandle(t *testing.T) *worker.Handle {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	h := worker.New(1, server, 0, "test-worker", 4)
	h.SetState(worker.StateRegistered)
	return h
}

func TestFeedDeliversCheckResultToSink(t *testing.T) {
	wp := newTestHandle(t)
	cr := &job.CheckResult{HostName: "host1", ServiceDescription: "PING"}
	j := &job.Job{Type: job.Check, Command: "check_ping", Payload: cr}
	slot, err := wp.Jobs.Allocate(j)
	require.NoError(t, err)

	var got *job.CheckResult
	h := &Handler{
		Registry: pool.NewRegistry(),
		Sink:     sink.CheckResultSinkFunc(func(cr *job.CheckResult) { got = cr }),
		Log:      zerolog.Nop(),
	}

	frame := wire.Encode([]wire.KV{
		{Key: wire.KeyJobID, Value: strconv.Itoa(slot)},
		{Key: wire.KeyType, Value: strconv.Itoa(int(job.Check))},
		{Key: wire.KeyWaitStatus, Value: "0"},
		{Key: wire.KeyOutStd, Value: "PING OK"},
		{Key: wire.KeyExitedOK, Value: "1"},
	})

	h.Feed(wp, frame)

	require.NotNil(t, got)
	assert.Equal(t, "PING OK", got.Output)
	assert.True(t, got.ExitedOK)
	assert.Equal(t, "host1", got.HostName, "submission-time fields must survive the overwrite")
	assert.Equal(t, "test-worker", got.Engine)
	assert.Equal(t, 0, wp.Jobs.Running(), "slot must be released after delivery")
}

func TestFeedDropsOnTypeMismatch(t *testing.T) {
	wp := newTestHandle(t)
	j := &job.Job{Type: job.Check, Command: "check_ping", Payload: &job.CheckResult{}}
	slot, err := wp.Jobs.Allocate(j)
	require.NoError(t, err)

	called := false
	h := &Handler{
		Registry: pool.NewRegistry(),
		Sink:     sink.CheckResultSinkFunc(func(cr *job.CheckResult) { called = true }),
		Log:      zerolog.Nop(),
	}

	mismatch := wire.Encode([]wire.KV{
		{Key: wire.KeyJobID, Value: strconv.Itoa(slot)},
		{Key: wire.KeyType, Value: strconv.Itoa(int(job.Notify))},
	})
	// A second, well-formed frame buffered right behind the mismatch: this
	// Feed call must not process it (it stays in the decoder), proving Feed
	// stops the whole drain rather than just dropping the mismatched frame.
	trailing := wire.Encode([]wire.KV{
		{Key: wire.KeyJobID, Value: strconv.Itoa(slot)},
		{Key: wire.KeyType, Value: strconv.Itoa(int(job.Check))},
		{Key: wire.KeyExitedOK, Value: "1"},
	})

	h.Feed(wp, append(mismatch, trailing...))

	assert.False(t, called, "mismatched type must not reach the sink")
	assert.Equal(t, 1, wp.Jobs.Running(), "slot must stay occupied, not released, on a type mismatch")
}

func TestFeedUnknownJobIDIsIgnored(t *testing.T) {
	wp := newTestHandle(t)
	h := &Handler{Registry: pool.NewRegistry(), Log: zerolog.Nop()}

	frame := wire.Encode([]wire.KV{{Key: wire.KeyJobID, Value: "99"}})
	assert.NotPanics(t, func() { h.Feed(wp, frame) })
}

func TestFeedLogMessageDoesNotTouchJobTable(t *testing.T) {
	wp := newTestHandle(t)
	h := &Handler{Registry: pool.NewRegistry(), Log: zerolog.Nop()}
	h.Feed(wp, wire.Encode([]wire.KV{{Key: "log", Value: "hello"}}))
	assert.Equal(t, 0, wp.Jobs.Running())
}

type fakeResubmitter struct {
	calls []job.Type
}

func (f *fakeResubmitter) Resubmit(t job.Type, payload job.Payload, cmd string, timeout int64) error {
	f.calls = append(f.calls, t)
	return nil
}

func TestHandleEOFRemovesFromPoolsAndResubmitsOccupiedJobs(t *testing.T) {
	wp := newTestHandle(t)
	reg := pool.NewRegistry()
	reg.AddGlobal(wp)
	reg.AddSpecialized(wp, []string{"check_ping"})

	_, err := wp.Jobs.Allocate(&job.Job{Type: job.Check, Command: "check_ping", Payload: &job.CheckResult{}})
	require.NoError(t, err)

	resub := &fakeResubmitter{}
	var untracked *worker.Handle
	h := &Handler{
		Registry: reg,
		Log:      zerolog.Nop(),
		Resubmit: resub,
		Untrack:  func(wh *worker.Handle) { untracked = wh },
	}

	h.HandleEOF(wp)

	assert.Equal(t, worker.StateDead, wp.State())
	assert.Equal(t, 0, reg.Global.Len())
	assert.True(t, reg.GlobalEmpty())
	assert.Len(t, resub.calls, 1)
	assert.Equal(t, job.Check, resub.calls[0])
	assert.Same(t, wp, untracked)
}

