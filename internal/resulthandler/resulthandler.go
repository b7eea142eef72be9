// Package resulthandler implements spec.md §4.6: parsing a worker's
// result frames off the wire, matching them back to the job slot that
// produced them, and reacting to a worker's connection closing.
package resulthandler

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mjtrangoni/wprocd/internal/job"
	"github.com/mjtrangoni/wprocd/internal/pool"
	"github.com/mjtrangoni/wprocd/internal/sink"
	"github.com/mjtrangoni/wprocd/internal/wire"
	"github.com/mjtrangoni/wprocd/internal/worker"
)

// Resubmitter re-issues a job equivalent to one that was in flight on a
// worker that just died. internal/dispatch.Subsystem implements this; the
// interface lives here instead so this package never imports dispatch.
type Resubmitter interface {
	Resubmit(t job.Type, payload job.Payload, cmd string, timeout int64) error
}

// Handler turns raw bytes read from a worker's connection into completed
// check results and pool/job-table updates. A Handler is owned by the
// single dispatcher loop goroutine; nothing here takes a lock.
type Handler struct {
	Registry *pool.Registry
	Sink     sink.CheckResultSink
	Log      zerolog.Logger
	Resubmit Resubmitter

	// Untrack is called once a worker handle is fully torn down, so the
	// owning subsystem can drop it from its id index. Left nil in tests
	// that don't care.
	Untrack func(h *worker.Handle)

	// OnError, if set, is called with a short reason tag whenever a result
	// frame or a post-death resubmission fails in a way an operator would
	// want counted (not every Warn line rises to this; see call sites).
	OnError func(reason string)
}

// Feed appends newly read bytes to wp's decoder and processes every
// complete message that becomes available, in order.
func (h *Handler) Feed(wp *worker.Handle, data []byte) {
	wp.Decoder().Feed(data)
	for {
		frame, ok := wp.Decoder().Next()
		if !ok {
			return
		}
		if stop := h.handleFrame(wp, frame); stop {
			return
		}
	}
}

// handleFrame implements parse_worker_result/handle_worker_result for a
// single message: the log= shortcut, key-by-key field parsing, job
// lookup, and the type-mismatch/unknown-job-id drop paths. It reports
// whether Feed's caller must stop draining the decoder: a type mismatch
// means the buffered bytes after this frame can no longer be trusted to
// be framed the way this job's slot expects, so the remainder of the
// read is abandoned without releasing the slot, matching
// base/workers.c:481-485's break before destroy_job.
func (h *Handler) handleFrame(wp *worker.Handle, frame []byte) (stop bool) {
	if text, ok := wire.IsLogMessage(frame); ok {
		h.Log.Info().Str("worker", wp.SourceName).Msg(text)
		return false
	}

	pairs := wire.ParseKV(frame)
	if len(pairs) == 0 {
		return false
	}

	var (
		jobID     int
		haveJobID bool
		typ       job.Type
		haveType  bool
		res       job.CheckResult
	)

	for _, kv := range pairs {
		switch kv.Key {
		case wire.KeyJobID:
			n, err := strconv.Atoi(kv.Value)
			if err != nil {
				h.Log.Warn().Str("worker", wp.SourceName).Str("value", kv.Value).Msg("malformed job_id in result frame")
				continue
			}
			jobID, haveJobID = n, true
		case wire.KeyType:
			n, err := strconv.Atoi(kv.Value)
			if err != nil {
				continue
			}
			typ, haveType = job.Type(n), true
		case wire.KeyWaitStatus:
			n, _ := strconv.Atoi(kv.Value)
			res.WaitStatus = n
		case wire.KeyStart:
			if sec, usec, err := wire.ParseTimeval(kv.Value); err == nil {
				res.Start = time.Unix(int64(sec), int64(usec)*1000)
			}
		case wire.KeyStop:
			if sec, usec, err := wire.ParseTimeval(kv.Value); err == nil {
				res.Stop = time.Unix(int64(sec), int64(usec)*1000)
			}
		case wire.KeyOutStd:
			res.Output = kv.Value
		case wire.KeyOutErr:
			if kv.Value != "" && res.ErrorMsg == "" {
				res.ErrorMsg = kv.Value
			}
		case wire.KeyRuntime:
			// always ignored; kept only so the key is recognized, not warned on
		case wire.KeyRuUtime:
			if sec, usec, err := wire.ParseTimeval(kv.Value); err == nil {
				res.Rusage.Utime = time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
			}
		case wire.KeyRuStime:
			if sec, usec, err := wire.ParseTimeval(kv.Value); err == nil {
				res.Rusage.Stime = time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
			}
		case wire.KeyRuMinflt:
			res.Rusage.Minflt, _ = strconv.Atoi(kv.Value)
		case wire.KeyRuMajflt:
			res.Rusage.Majflt, _ = strconv.Atoi(kv.Value)
		case wire.KeyRuNswap:
			res.Rusage.Nswap, _ = strconv.Atoi(kv.Value)
		case wire.KeyRuInblock:
			res.Rusage.Inblock, _ = strconv.Atoi(kv.Value)
		case wire.KeyRuOublock:
			res.Rusage.Oublock, _ = strconv.Atoi(kv.Value)
		case wire.KeyRuNsignals:
			res.Rusage.Nsignals, _ = strconv.Atoi(kv.Value)
		case wire.KeyExitedOK:
			res.ExitedOK = kv.Value == "1"
		case wire.KeyErrorMsg:
			res.ErrorMsg = kv.Value
		case wire.KeyErrorCode:
			n, err := strconv.Atoi(kv.Value)
			if err != nil {
				continue
			}
			res.ErrorCode = n
			if n == wire.ETIME {
				res.Completion = job.CompletionTimeout
				res.EarlyTimeout = true
			}
		case wire.KeyCommand, wire.KeyTimeout:
			// recognized job fields echoed back; nothing to store
		default:
			// unrecognized key: warn, then keep parsing the rest of the frame
			h.Log.Warn().Str("worker", wp.SourceName).Str("key", kv.Key).Msg("unrecognized key in result frame")
		}
	}

	if !haveJobID {
		h.Log.Warn().Str("worker", wp.SourceName).Msg("result frame missing job_id")
		return false
	}

	j, ok := wp.Jobs.Lookup(jobID)
	if !ok {
		h.Log.Warn().Str("worker", wp.SourceName).Int("job_id", jobID).Msg("result for unknown or already-released job id")
		return false
	}

	if haveType && typ != j.Type {
		h.Log.Warn().Str("worker", wp.SourceName).Int("job_id", jobID).
			Str("got", typ.String()).Str("want", j.Type.String()).
			Msg("job type mismatch in result frame, leaving rest of read buffered")
		return true
	}

	h.finish(wp, j, res)
	return false
}

// finish completes job j with the parsed fields in res: CHECK jobs are
// handed to the sink in full; every other job type only logs on an early
// timeout, per spec.md §4.6 step 1's "all results for non-CHECK jobs are
// discarded after an early-timeout check".
func (h *Handler) finish(wp *worker.Handle, j *job.Job, res job.CheckResult) {
	defer wp.Jobs.Release(j.ID)

	if res.Completion == job.CompletionUnknown {
		res.Completion = job.CompletionExited
	}

	switch j.Type {
	case job.Check:
		cr, ok := j.Payload.(*job.CheckResult)
		if !ok {
			h.Log.Warn().Str("worker", wp.SourceName).Int("job_id", j.ID).Msg("CHECK job missing CheckResult payload")
			return
		}
		svc, host := cr.ServiceDescription, cr.HostName // set at submission time; res never carries them
		*cr = res
		cr.ServiceDescription, cr.HostName = svc, host
		cr.Engine = wp.SourceName
		if h.Sink != nil {
			h.Sink.ProcessCheckResult(cr)
		}
	default:
		if res.EarlyTimeout {
			oj, _ := j.Payload.(*job.ObjectJob)
			h.Log.Warn().Str("worker", wp.SourceName).Int("job_id", j.ID).
				Str("job_type", j.Type.String()).Interface("object", oj).
				Msg("job timed out before completion")
		}
	}
}

// HandleEOF implements spec.md §4.6 step 2: a worker's connection closed.
// The worker is removed from every pool it belonged to, every job still
// occupying its table is resubmitted fresh, and the handle is torn down.
// A global pool left empty by this removal is logged as fatal, matching
// the reference implementation's distinct log class for that case.
func (h *Handler) HandleEOF(wp *worker.Handle) {
	wp.SetState(worker.StateDead)
	h.Registry.RemoveEverywhere(wp)

	if h.Registry.GlobalEmpty() {
		h.Log.Error().Str("worker", wp.SourceName).Msg("global worker pool empty; no workers available to run checks")
	}

	for _, j := range wp.Jobs.Occupied() {
		if h.Resubmit == nil {
			continue
		}
		if err := h.Resubmit.Resubmit(j.Type, j.Payload, j.Command, j.Timeout); err != nil {
			h.Log.Warn().Err(err).Str("worker", wp.SourceName).Int("job_id", j.ID).
				Msg("failed to resubmit job after worker death")
			if h.OnError != nil {
				h.OnError("resubmit_failed")
			}
		}
	}

	_ = wp.Close()
	if h.Untrack != nil {
		h.Untrack(wp)
	}
}

// HandleReadErr implements spec.md §4.6 step 1's "a transient read error
// leaves the socket registered": it only logs, the connection stays in
// its pools, and a future Feed/HandleEOF call continues as normal.
func (h *Handler) HandleReadErr(wp *worker.Handle, err error) {
	h.Log.Warn().Err(err).Str("worker", wp.SourceName).Msg("transient read error on worker connection")
}
