package eventlog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt length prefix forcing an
// unbounded allocation when reading a frame back.
const maxFrameSize = 64 << 20 // 64 MiB

// WriteFrame writes payload as <u64 little-endian length><payload> —
// the on-disk log record format, also reused verbatim as the
// replication wire format (internal/replication builds directly on
// these helpers rather than re-deriving framing).
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("eventlog: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("eventlog: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned
// unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("eventlog: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("eventlog: read frame payload: %w", err)
	}
	return payload, nil
}

// EncodeEvent gob-encodes ev as a single frame payload.
func EncodeEvent(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ev); err != nil {
		return nil, fmt.Errorf("eventlog: encode event: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEvent decodes a single frame payload back into its concrete
// Event type.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&ev); err != nil {
		return nil, fmt.Errorf("eventlog: decode event: %w", err)
	}
	return ev, nil
}

// WriteEvent writes ev to w as one framed record.
func WriteEvent(w io.Writer, ev Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadEvent reads one framed record from r and decodes it.
func ReadEvent(r io.Reader) (Event, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(payload)
}
