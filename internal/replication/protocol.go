package replication

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/oriys/spartan/internal/eventlog"
)

// ProtocolVersion is exchanged on every Ping/Pong and must match
// exactly; a mismatch is a fatal, non-retryable error for the tick
// that discovered it.
const ProtocolVersion = "spartan-replication-v1"

// WireMessage is the closed set of messages exchanged between a
// primary and a replica over one framed TCP connection.
type WireMessage interface {
	wireMessage()
}

// Ping opens a replication exchange and asserts protocol compatibility.
type Ping struct{ Version string }

// Pong answers Ping with the replica's own version; the primary
// compares it against its advertised version and treats any difference
// as fatal.
type Pong struct{ Version string }

// AskIndex requests a replica's confirmed index for every queue it
// knows about, in one round trip per destination connection rather
// than one per queue.
type AskIndex struct{}

// RecvIndex answers AskIndex with the replica's confirmed index for
// every queue it holds locally, keyed by queue name. A queue absent
// from Indexes is one the replica has never heard of yet, which the
// primary treats the same as an explicit 0 (confirmed nothing).
type RecvIndex struct {
	Indexes map[string]uint64
}

// SendRange pushes a contiguous run of events; Start is the log index
// of the first event carried, so the replica can compute its new
// confirmed index as Start plus however many events it applied, minus
// one.
type SendRange struct {
	Queue  string
	Start  uint64
	Events []eventlog.Event
}

// RecvRange acknowledges a SendRange, reporting the new confirmed index
// after applying it.
type RecvRange struct {
	Queue string
	Index uint64
}

// QueueNotFound answers SendRange when the replica has no local queue
// by that name.
type QueueNotFound struct{ Queue string }

// IndexMismatch answers a SendRange attempt the primary refused to make
// because the follower's reported start index has already been
// garbage collected on the primary side. There is no byte range that
// can repair this; the follower must be rebuilt from a snapshot.
type IndexMismatch struct{ Queue string }

func (Ping) wireMessage()          {}
func (Pong) wireMessage()          {}
func (AskIndex) wireMessage()      {}
func (RecvIndex) wireMessage()     {}
func (SendRange) wireMessage()     {}
func (RecvRange) wireMessage()     {}
func (QueueNotFound) wireMessage() {}
func (IndexMismatch) wireMessage() {}

func init() {
	gob.Register(Ping{})
	gob.Register(Pong{})
	gob.Register(AskIndex{})
	gob.Register(RecvIndex{})
	gob.Register(SendRange{})
	gob.Register(RecvRange{})
	gob.Register(QueueNotFound{})
	gob.Register(IndexMismatch{})
}

// WriteMessage gob-encodes msg and writes it as one framed record,
// reusing the same <u64 LE length> envelope internal/eventlog uses for
// its on-disk log — the wire protocol and the log share one framing.
func WriteMessage(w io.Writer, msg WireMessage) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&msg); err != nil {
		return fmt.Errorf("replication: encode message: %w", err)
	}
	return eventlog.WriteFrame(w, buf.Bytes())
}

// ReadMessage reads one framed record and decodes it back to its
// concrete WireMessage type.
func ReadMessage(r io.Reader) (WireMessage, error) {
	payload, err := eventlog.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var msg WireMessage
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("replication: decode message: %w", err)
	}
	return msg, nil
}
