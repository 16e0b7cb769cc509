package replication

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oriys/spartan/internal/eventlog"
	"github.com/oriys/spartan/internal/logging"
)

// Primary drives replication ticks against a fixed set of destinations.
// It keeps one persistent connection per destination, dialed once and
// reused by every subsequent tick (each tick still re-checks the
// version with Ping) — a tick only pays for a fresh dial when the
// previous connection broke.
type Primary struct {
	dialTimeout time.Duration

	mu    sync.Mutex
	conns map[string]net.Conn
}

// NewPrimary creates a primary-side tick driver.
func NewPrimary(dialTimeout time.Duration) *Primary {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Primary{dialTimeout: dialTimeout, conns: make(map[string]net.Conn)}
}

// Close drops every pooled connection. Call on daemon shutdown.
func (p *Primary) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dest, conn := range p.conns {
		conn.Close()
		delete(p.conns, dest)
	}
	return nil
}

// Tick replicates every queue in storages to one destination, batching
// the index exchange into a single AskIndex/RecvIndex round trip and
// then streaming one SendRange/RecvRange pair per queue that has
// unconfirmed events, all over the one pooled connection for dest. A
// returned *FatalError (dial failure, non-Pong reply, version
// mismatch) marks the destination unusable for now; ReplicationWorker
// benches it for try_timer. Any other error is transient and safe to
// retry next tick (the connection is dropped from the pool so the next
// attempt redials and re-handshakes).
func (p *Primary) Tick(dest string, storages map[string]*PrimaryStorage) error {
	return p.tick(dest, storages, ProtocolVersion)
}

// tick is Tick with the advertised version pulled out as a parameter,
// letting tests exercise the version-mismatch path without a second
// listener implementation.
func (p *Primary) tick(dest string, storages map[string]*PrimaryStorage, version string) error {
	conn, err := p.connFor(dest)
	if err != nil {
		return err
	}

	// Every tick opens with a Ping, even on a pooled connection: the
	// version check guards against the replica process having been
	// swapped out underneath a long-lived connection.
	if err := WriteMessage(conn, Ping{Version: version}); err != nil {
		p.dropConn(dest)
		return fmt.Errorf("replication: send Ping: %w", err)
	}
	resp, err := ReadMessage(conn)
	if err != nil {
		p.dropConn(dest)
		return fmt.Errorf("replication: read Pong: %w", err)
	}
	pong, ok := resp.(Pong)
	if !ok {
		p.dropConn(dest)
		return &FatalError{Err: ErrUnexpectedMessage}
	}
	if pong.Version != version {
		p.dropConn(dest)
		return &FatalError{Err: ErrVersionMismatch}
	}

	if err := WriteMessage(conn, AskIndex{}); err != nil {
		p.dropConn(dest)
		return fmt.Errorf("replication: send AskIndex: %w", err)
	}
	resp, err = ReadMessage(conn)
	if err != nil {
		p.dropConn(dest)
		return fmt.Errorf("replication: read index response: %w", err)
	}
	batch, ok := resp.(RecvIndex)
	if !ok {
		p.dropConn(dest)
		return ErrUnexpectedMessage
	}

	for name, storage := range storages {
		confirmed := batch.Indexes[name]
		events, ok := storage.Slice(confirmed)
		if !ok {
			logging.Op().Error("replication index mismatch, follower must resync from snapshot", "queue", name, "dest", dest, "confirmed", confirmed)
			if err := WriteMessage(conn, IndexMismatch{Queue: name}); err != nil {
				p.dropConn(dest)
				return fmt.Errorf("replication: send IndexMismatch: %w", err)
			}
			continue
		}
		if len(events) == 0 {
			storage.ReportFollowerIndex(dest, confirmed)
			continue
		}

		if err := WriteMessage(conn, buildSendRange(name, events)); err != nil {
			p.dropConn(dest)
			return fmt.Errorf("replication: send range: %w", err)
		}
		resp, err := ReadMessage(conn)
		if err != nil {
			p.dropConn(dest)
			return fmt.Errorf("replication: read range ack: %w", err)
		}
		switch m := resp.(type) {
		case RecvRange:
			storage.ReportFollowerIndex(dest, m.Index)
			logging.Op().Debug("replication tick sent range", "queue", name, "dest", dest, "from", confirmed, "count", len(events), "confirmed", m.Index)
		case QueueNotFound:
			logging.Op().Warn("replica has no matching queue", "queue", name, "dest", dest)
		default:
			p.dropConn(dest)
			return ErrUnexpectedMessage
		}
	}
	return nil
}

// connFor returns the pooled connection for dest, dialing a fresh one
// if none is held yet.
func (p *Primary) connFor(dest string) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[dest]; ok {
		return conn, nil
	}

	conn, err := net.DialTimeout("tcp", dest, p.dialTimeout)
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("dial %s: %w", dest, err)}
	}
	p.conns[dest] = conn
	return conn, nil
}

// dropConn closes and forgets dest's pooled connection, forcing the
// next tick to redial and re-handshake.
func (p *Primary) dropConn(dest string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[dest]; ok {
		conn.Close()
		delete(p.conns, dest)
	}
}

func buildSendRange(queue string, events []IndexedEvent) SendRange {
	out := make([]eventlog.Event, len(events))
	for i, e := range events {
		out[i] = e.Event
	}
	return SendRange{Queue: queue, Start: events[0].Index, Events: out}
}
