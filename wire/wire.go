// Package wire implements the framed message channel that the server and
// client sync drivers talk over.
//
// Grounded on providers/smart/persistent.go's PersistentTransport: messages
// are JSON, terminated by a single NUL byte, read back with
// bufio.Reader.ReadBytes(0); a payload is deferred as json.RawMessage until
// the caller knows which concrete type to decode it into, exactly as
// JsonRequest.Params/JsonResponse.Result do. Unlike the teacher, there is no
// JSON-RPC envelope (no Id/Method, no capability negotiation) -- the sync
// protocol's tag IS the method, and both sides already know the schema for
// each tag from spec.md's wire tag table, so Channel carries a bare
// (tag, payload) pair instead of a request/response pair.
//
// Raw byte streams reuse PersistentTransport.sendRawData's chunked
// io.CopyN loop, renamed SendStream/RecvStream per the component's name
// in this module.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/sinbad-tools/foldersync/internal/flog"
)

// StreamChunkSize bounds a single io.CopyN call during SendStream/RecvStream,
// mirroring PersistentTransportBufferSize.
const StreamChunkSize = 64 * 1024

// envelope is the on-wire shape of one message: a short tag plus a
// late-resolved payload.
type envelope struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Channel is a framed, bidirectional message channel over any
// io.ReadWriteCloser. It is safe to share a *Channel for Send and Recv from
// different goroutines only if the caller serializes access itself -- the
// sync protocol is strictly synchronous (spec.md §5), so this package does
// not add its own locking.
type Channel struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	id     string
}

// New wraps conn in a Channel, stamping it with a session id used purely
// for log correlation.
func New(conn io.ReadWriteCloser) *Channel {
	id := uuid.NewString()
	flog.WithField("session", id).Debugf("wire channel opened")
	return &Channel{
		conn:   conn,
		reader: bufio.NewReader(conn),
		id:     id,
	}
}

// SessionID returns the id this channel was stamped with, for callers that
// want to thread it through their own log fields.
func (c *Channel) SessionID() string {
	return c.id
}

// Send transmits one message. payload may be nil for tags that carry no
// payload (e.g. "done", "quit", "bye").
func (c *Channel) Send(tag string, payload interface{}) error {
	env := envelope{Tag: tag}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload for tag %q: %w", tag, err)
		}
		env.Payload = raw
	}

	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for tag %q: %w", tag, err)
	}
	buf = append(buf, 0)

	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("write tag %q: %w", tag, err)
	}
	return nil
}

// Recv blocks until one message is available, returning its tag and raw
// payload. Callers decode payload themselves once they know, from tag,
// what shape to expect (json.Unmarshal(payload, &dest)).
func (c *Channel) Recv() (tag string, payload json.RawMessage, err error) {
	line, err := c.reader.ReadBytes(0)
	if err != nil {
		return "", nil, fmt.Errorf("read message: %w", err)
	}
	line = line[:len(line)-1] // strip NUL terminator

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope %q: %w", string(line), err)
	}
	return env.Tag, env.Payload, nil
}

// SendStream transmits exactly n bytes read from r, verbatim, with no
// framing of its own -- the receiver must already know n from a preceding
// message (e.g. a FileItem's Size).
func (c *Channel) SendStream(r io.Reader, n int64) error {
	var sent int64
	for sent < n {
		chunk := int64(StreamChunkSize)
		if remaining := n - sent; remaining < chunk {
			chunk = remaining
		}
		written, err := io.CopyN(c.conn, r, chunk)
		sent += written
		if err != nil {
			return fmt.Errorf("send stream: sent %d of %d bytes: %w", sent, n, err)
		}
	}
	return nil
}

// RecvStream reads exactly n bytes from the channel into w, failing if the
// peer closes or the underlying connection errors before n bytes arrive.
func (c *Channel) RecvStream(w io.Writer, n int64) error {
	var received int64
	for received < n {
		chunk := int64(StreamChunkSize)
		if remaining := n - received; remaining < chunk {
			chunk = remaining
		}
		read, err := io.CopyN(w, c.reader, chunk)
		received += read
		if err != nil {
			return fmt.Errorf("recv stream: received %d of %d bytes: %w", received, n, err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
