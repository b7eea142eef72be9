// Package sink defines the opaque "check result processing" collaborator
// spec.md scopes out: whatever the host does with a finished check result
// (scheduling, state machine updates, notifications) is none of this
// core's business.
package sink

import "github.com/mjtrangoni/wprocd/internal/job"

// CheckResultSink receives a fully populated check result. Implementations
// must not retain cr beyond the call (the dispatcher reuses/releases the
// backing job slot immediately afterward).
type CheckResultSink interface {
	ProcessCheckResult(cr *job.CheckResult)
}

// CheckResultSinkFunc adapts a plain function to CheckResultSink.
type CheckResultSinkFunc func(cr *job.CheckResult)

func (f CheckResultSinkFunc) ProcessCheckResult(cr *job.CheckResult) { f(cr) }
