// Package wire implements the framed key/value protocol carried over the
// master<->worker control socket: a stream of MsgDelim-separated messages,
// each a sequence of FieldSep-separated "key=value" pairs.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
)

// MsgDelim separates messages on the wire. It is deliberately a multi-byte
// sequence vanishingly unlikely to occur inside a key or value.
var MsgDelim = []byte("\x00\x00\x01\x00\x00")

// FieldSep separates key=value pairs within a single message.
const FieldSep = byte(0)

// KV is one key=value pair of a decoded message.
type KV struct {
	Key   string
	Value string
}

// Encode renders pairs as a single message, delimiter included, ready to be
// written directly to the control socket.
func Encode(pairs []KV) []byte {
	var buf bytes.Buffer
	for i, kv := range pairs {
		if i > 0 {
			buf.WriteByte(FieldSep)
		}
		buf.WriteString(kv.Key)
		buf.WriteByte('=')
		buf.WriteString(kv.Value)
	}
	buf.Write(MsgDelim)
	return buf.Bytes()
}

// ParseKV splits a single delimiter-stripped message into key/value pairs.
// Pairs without '=' are skipped; this mirrors the reference decoder's
// tolerance for a stray empty field at the end of a message.
func ParseKV(frame []byte) []KV {
	if len(frame) == 0 {
		return nil
	}
	fields := bytes.Split(frame, []byte{FieldSep})
	pairs := make([]KV, 0, len(fields))
	for _, f := range fields {
		if len(f) == 0 {
			continue
		}
		eq := bytes.IndexByte(f, '=')
		if eq < 0 {
			continue
		}
		pairs = append(pairs, KV{Key: string(f[:eq]), Value: string(f[eq+1:])})
	}
	return pairs
}

// IsLogMessage reports whether frame is the special "log=<text>" short
// circuit, and returns the text if so.
func IsLogMessage(frame []byte) (text string, ok bool) {
	const prefix = "log="
	if len(frame) >= len(prefix) && string(frame[:len(prefix)]) == prefix {
		return string(frame[len(prefix):]), true
	}
	return "", false
}

// Decoder accumulates bytes pushed in via Feed and yields complete,
// delimiter-terminated messages. It owns no reader of its own: the reader
// goroutine that owns the actual connection (internal/broker) pushes raw
// chunks in, and the single dispatcher loop drains frames out — this
// keeps the buffer single-owner without a mutex, matching spec.md's "read
// buffer" attached to each worker handle.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder returns an empty decoder. Its buffer has no fixed size: it
// grows to hold whatever has been fed and not yet drained as frames.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read bytes to the decode buffer.
func (d *Decoder) Feed(chunk []byte) {
	d.buf.Write(chunk)
}

// Next extracts the next complete message from the decode buffer, if any.
// ok is false when only a partial message is currently buffered.
func (d *Decoder) Next() (frame []byte, ok bool) {
	idx := bytes.Index(d.buf.Bytes(), MsgDelim)
	if idx < 0 {
		return nil, false
	}
	data := d.buf.Bytes()
	frame = make([]byte, idx)
	copy(frame, data[:idx])
	d.buf.Next(idx + len(MsgDelim))
	return frame, true
}

// Drain returns and clears whatever partial, not-yet-delimited bytes the
// decoder is currently holding. Used once, right after a decoder has
// served its purpose reading a single framed command (e.g. registration),
// to hand any look-ahead bytes already read off the wire to whatever
// takes over the connection next, instead of dropping them.
func (d *Decoder) Drain() []byte {
	out := make([]byte, d.buf.Len())
	copy(out, d.buf.Bytes())
	d.buf.Reset()
	return out
}

// ParseRegistrationBody parses the body of a "register" control command,
// which uses '=' within a pair and '\n' between pairs — distinct from the
// NUL-separated job/result protocol, per spec.md §4.4/§6.
func ParseRegistrationBody(body []byte) []KV {
	if len(body) == 0 {
		return nil
	}
	lines := bytes.Split(body, []byte{'\n'})
	pairs := make([]KV, 0, len(lines))
	for _, l := range lines {
		if len(l) == 0 {
			continue
		}
		eq := bytes.IndexByte(l, '=')
		if eq < 0 {
			continue
		}
		pairs = append(pairs, KV{Key: string(l[:eq]), Value: string(l[eq+1:])})
	}
	return pairs
}

// ParseTimeval parses a "seconds[.fraction]" or "seconds,fraction" wire
// timestamp. On malformed input it returns a zeroed pair and an error,
// matching the reference str2timeval behavior.
func ParseTimeval(s string) (sec, usec int, err error) {
	if s == "" {
		return 0, 0, fmt.Errorf("wire: empty timeval")
	}
	cut := len(s)
	for i, c := range s {
		if c == '.' || c == ',' {
			cut = i
			break
		}
	}
	secPart := s[:cut]
	sec, err = strconv.Atoi(secPart)
	if err != nil {
		return 0, 0, fmt.Errorf("wire: bad timeval seconds %q: %w", s, err)
	}
	if cut == len(s) {
		return sec, 0, nil
	}
	fracPart := s[cut+1:]
	if fracPart == "" {
		return sec, 0, nil
	}
	usec, err = strconv.Atoi(fracPart)
	if err != nil {
		return 0, 0, fmt.Errorf("wire: bad timeval fraction %q: %w", s, err)
	}
	// Normalize "25" (hundredths, as in "5.25" == 5.25s) to microseconds.
	for digits := len(fracPart); digits < 6; digits++ {
		usec *= 10
	}
	return sec, usec, nil
}
