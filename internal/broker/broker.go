// Package broker is spec.md's "I/O broker": an fd/conn multiplexer that
// invokes a readiness callback. The reference implementation is a
// single-threaded epoll-style reactor; the idiomatic Go substitute is one
// reader goroutine per registered connection, each pushing the bytes it
// reads onto a shared channel that the single dispatcher loop drains —
// see SPEC_FULL.md §5 for why this preserves the "no locks on
// pool/job-table state" property without a literal single OS thread.
package broker

import (
	"io"
	"sync"
)

// Event is what a reader goroutine reports back to the dispatcher loop.
// A non-nil Data carries bytes read from the connection; EOF (with a nil
// Data) means the connection reported end-of-stream; a non-nil Err means
// a transient read error (spec.md §4.6 step 1 — the socket stays
// registered).
type Event struct {
	ConnID int
	Data   []byte
	EOF    bool
	Err    error
}

// Broker registers connections and fans their traffic into a single
// channel for the dispatcher loop to drain sequentially.
type Broker struct {
	mu       sync.Mutex
	handlers map[int]registration
	events   chan Event
	readCap  int
}

type registration struct {
	cancel chan struct{}
}

// New creates a broker whose Events channel has the given buffer size.
// readCap bounds how many bytes each reader goroutine requests per Read
// call; the bytes are buffered afterwards in each worker's wire.Decoder.
func New(bufSize, readCap int) *Broker {
	return &Broker{
		handlers: make(map[int]registration),
		events:   make(chan Event, bufSize),
		readCap:  readCap,
	}
}

// Events returns the channel the dispatcher loop should select on.
func (b *Broker) Events() <-chan Event { return b.events }

// Register starts a reader goroutine for conn under connID. It issues
// blocking reads and reports each chunk, EOF, or error back over Events.
// The dispatcher loop is the only consumer of the resulting bytes (via
// the worker's wire.Decoder), so no synchronization is needed beyond the
// channel itself.
func (b *Broker) Register(connID int, conn io.Reader) {
	cancel := make(chan struct{})
	b.mu.Lock()
	b.handlers[connID] = registration{cancel: cancel}
	b.mu.Unlock()

	go func() {
		buf := make([]byte, b.readCap)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case b.events <- Event{ConnID: connID, Data: chunk}:
				case <-cancel:
					return
				}
			}
			if err != nil {
				eof := err == io.EOF
				select {
				case b.events <- Event{ConnID: connID, EOF: eof, Err: errIfNotEOF(err)}:
				case <-cancel:
				}
				return
			}
			select {
			case <-cancel:
				return
			default:
			}
		}
	}()
}

func errIfNotEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

// Unregister stops the reader goroutine for connID, if any. The
// goroutine itself may still be blocked in a Read call; it will exit the
// next time that Read returns (typically because Close() was also called
// on the underlying connection).
func (b *Broker) Unregister(connID int) {
	b.mu.Lock()
	reg, ok := b.handlers[connID]
	delete(b.handlers, connID)
	b.mu.Unlock()
	if ok {
		close(reg.cancel)
	}
}

// Registered reports whether connID is still registered.
func (b *Broker) Registered(connID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[connID]
	return ok
}
