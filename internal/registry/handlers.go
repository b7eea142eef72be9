// Package registry is the query-handler registry spec.md treats as an
// external collaborator ("the query-handler registry to which the
// dispatcher attaches its registration endpoint"). It is a minimal
// verb->handler map modeled on the reference wproc_query_handler: a
// command string, a space, and a body.
package registry

import (
	"bytes"
	"io"
)

// Reply is what a verb handler returns: a status code (0/"OK" on success,
// 400 unknown verb, 500 internal failure, per spec.md §4.4/§6) and an
// optional body.
type Reply struct {
	Status int
	Body   string
}

// HandlerFunc processes one verb's body and produces a reply. conn is the
// connection the verb line arrived on — the "register" handler needs it to
// adopt the connection itself as a worker, not just its body text.
type HandlerFunc func(conn io.ReadWriteCloser, body []byte) Reply

// Handlers is a tiny verb dispatcher. internal/dispatch.Subsystem.RegisterHandlers
// attaches "register" against it at startup, mirroring
// qh_register_handler("wproc", ...) in the reference implementation.
type Handlers struct {
	verbs map[string]HandlerFunc
}

// New returns an empty handler registry.
func New() *Handlers {
	return &Handlers{verbs: make(map[string]HandlerFunc)}
}

// Register attaches fn under verb.
func (h *Handlers) Register(verb string, fn HandlerFunc) {
	h.verbs[verb] = fn
}

// Dispatch splits "verb rest-of-body" on the first space and invokes the
// matching handler, or replies 400 for an unknown verb.
func (h *Handlers) Dispatch(conn io.ReadWriteCloser, line []byte) Reply {
	verb := line
	var body []byte
	if i := bytes.IndexByte(line, ' '); i >= 0 {
		verb = line[:i]
		body = line[i+1:]
	}
	fn, ok := h.verbs[string(verb)]
	if !ok {
		return Reply{Status: 400}
	}
	return fn(conn, body)
}
