package dispatch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mjtrangoni/wprocd/internal/job"
	"github.com/mjtrangoni/wprocd/internal/wire"
)

// ServiceRef and HostRef are the minimal host-domain identifiers the
// dispatcher needs. spec.md notes the real strings are "borrowed from
// host domain objects"; in Go there is no ownership distinction to
// preserve, so these are plain value types.
type ServiceRef struct {
	HostName           string
	ServiceDescription string
}

type HostRef struct {
	HostName string
}

// submit hands j to the dispatcher loop and blocks for its outcome. Every
// public entry point funnels through here rather than mutating pool or
// job-table state on the caller's own goroutine.
func (s *Subsystem) submit(j *job.Job) error {
	reply := make(chan error, 1)
	s.submissions <- submission{job: j, reply: reply}
	return <-reply
}

// doSubmit is the common tail of every entry point, run exclusively on
// the dispatcher loop goroutine: select a worker, allocate a slot,
// serialize the job, write it. It never leaks the job or its payload on
// failure — a slot allocated just before a write error is released
// immediately.
func (s *Subsystem) doSubmit(j *job.Job) error {
	wp, err := s.getWorker(j)
	if err != nil {
		return err
	}

	msg := wire.Encode([]wire.KV{
		{Key: wire.KeyJobID, Value: strconv.Itoa(j.ID)},
		{Key: wire.KeyType, Value: strconv.Itoa(int(j.Type))},
		{Key: wire.KeyCommand, Value: j.Command},
		{Key: wire.KeyTimeout, Value: strconv.FormatInt(j.Timeout, 10)},
	})

	if _, err := wp.Conn.Write(msg); err != nil {
		wp.Jobs.Release(j.ID)
		s.reportSubmitError("write_failed")
		return fmt.Errorf("dispatch: write to worker %s: %w", wp.SourceName, err)
	}

	return nil
}

// RunCheck implements spec.md §4.5/§6's run_check: timeout is the
// service-check timeout when cr.ServiceDescription is set, else the
// host-check timeout. Like wproc_run_check, the timeout goes on the wire
// as the plain relative number of seconds create_job received.
func (s *Subsystem) RunCheck(cr *job.CheckResult, cmd string) error {
	var timeout time.Duration
	if cr.ServiceDescription != "" {
		timeout = s.Timeouts.ServiceCheck
	} else {
		timeout = s.Timeouts.HostCheck
	}
	j := &job.Job{
		Type:    job.Check,
		Command: cmd,
		Timeout: seconds(timeout),
		Payload: cr,
	}
	return s.submit(j)
}

// RunServiceJob implements spec.md's run_service_job: payload is an
// ObjectJob with host and service set, contact name empty.
func (s *Subsystem) RunServiceJob(t job.Type, timeout time.Duration, svc ServiceRef, cmd string) error {
	j := &job.Job{
		Type:    t,
		Command: cmd,
		Timeout: seconds(timeout),
		Payload: &job.ObjectJob{HostName: svc.HostName, ServiceDescription: svc.ServiceDescription},
	}
	return s.submit(j)
}

// RunHostJob implements spec.md's run_host_job: payload is an ObjectJob
// with only the host name set.
func (s *Subsystem) RunHostJob(t job.Type, timeout time.Duration, host HostRef, cmd string) error {
	j := &job.Job{
		Type:    t,
		Command: cmd,
		Timeout: seconds(timeout),
		Payload: &job.ObjectJob{HostName: host.HostName},
	}
	return s.submit(j)
}

// Notify implements spec.md's notify: always uses the notification
// timeout, type NOTIFY. service is nil for a host notification.
func (s *Subsystem) Notify(contact, host string, service *string, cmd string) error {
	oj := &job.ObjectJob{ContactName: contact, HostName: host}
	if service != nil {
		oj.ServiceDescription = *service
	}
	j := &job.Job{
		Type:    job.Notify,
		Command: cmd,
		Timeout: seconds(s.Timeouts.Notification),
		Payload: oj,
	}
	return s.submit(j)
}

// Run implements spec.md's generic run: no payload, and — uniquely among
// these entry points — the timeout is converted to an absolute epoch
// deadline before submission, matching wproc_run's
// real_timeout = timeout + time(NULL).
func (s *Subsystem) Run(t job.Type, cmd string, relativeTimeout time.Duration) error {
	j := &job.Job{
		Type:    t,
		Command: cmd,
		Timeout: time.Now().Add(relativeTimeout).Unix(),
	}
	return s.submit(j)
}

// Resubmit re-issues an equivalent new job after a worker dies, per
// spec.md §4.6 step 2 ("the only retry path"). timeout is passed through
// unmodified, exactly as create_job's resubmission path
// (base/workers.c:444) reuses the dying job's timeout field verbatim
// regardless of whether it started life relative or absolute.
// Its only caller is the result handler's HandleEOF, which already runs on
// the dispatcher loop goroutine, so it calls doSubmit directly: queueing
// through submit would wait on that same goroutine and never return.
func (s *Subsystem) Resubmit(t job.Type, payload job.Payload, cmd string, timeout int64) error {
	j := &job.Job{
		Type:    t,
		Command: cmd,
		Timeout: timeout,
		Payload: payload,
	}
	return s.doSubmit(j)
}

// seconds truncates d to whole seconds for the wire's integer timeout
// field, matching the reference implementation's time_t timeout.
func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
