package pool

import "errors"

// errNoWorkers is returned by Select when neither a specialized pool for
// the command nor the global pool has any members.
var errNoWorkers = errors.New("pool: no worker available for command")

// ErrNoWorkers is the exported sentinel callers can compare against with
// errors.Is.
var ErrNoWorkers = errNoWorkers
