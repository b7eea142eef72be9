package wire

// Recognized key names on the wire. Keeping them as named constants and
// switching over them in the result handler gives the same O(1)-ish,
// allocation-free dispatch the reference implementation gets from a
// generated perfect hash, without needing a build-time code generator.
const (
	KeyJobID      = "job_id"
	KeyType       = "type"
	KeyCommand    = "command"
	KeyTimeout    = "timeout"
	KeyWaitStatus = "wait_status"
	KeyStart      = "start"
	KeyStop       = "stop"
	KeyOutStd     = "outstd"
	KeyOutErr     = "outerr"
	KeyRuntime    = "runtime" // always ignored, kept so a wire-compatible worker doesn't desync
	KeyRuUtime    = "ru_utime"
	KeyRuStime    = "ru_stime"
	KeyRuMinflt   = "ru_minflt"
	KeyRuMajflt   = "ru_majflt"
	KeyRuNswap    = "ru_nswap"
	KeyRuInblock  = "ru_inblock"
	KeyRuOublock  = "ru_oublock"
	KeyRuNsignals = "ru_nsignals"
	KeyExitedOK   = "exited_ok"
	KeyErrorMsg   = "error_msg"
	KeyErrorCode  = "error_code"
	KeyEnv        = "env" // reserved, repeatable; no in-tree producer consumes it yet
	KeyName       = "name"
	KeyPlugin     = "plugin"
)

// ETIME is the wire error_code value the reference implementation reuses to
// signal "the worker's own timeout fired". We still recognize the numeral
// for wire compatibility, but translate it immediately into an explicit
// completion state rather than comparing against it downstream.
const ETIME = 62
