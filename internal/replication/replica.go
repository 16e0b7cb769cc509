package replication

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/oriys/spartan/internal/eventlog"
	"github.com/oriys/spartan/internal/logging"
	"github.com/oriys/spartan/internal/node"
)

// Replica is the server side of the replication protocol: it listens
// for primary connections and, per exchange, answers Ping/AskIndex/
// SendRange by applying any carried events to its local node and
// reporting back its confirmed index. Serve handles one goroutine per
// connection, so storages is guarded by a mutex rather than assumed
// single-threaded.
type Replica struct {
	manager  *node.Manager
	listener net.Listener
	tryTimer time.Duration

	mu       sync.Mutex
	storages map[string]*ReplicaStorage
}

// NewReplica binds a listener on addr and wires it to manager, which
// owns the local queues replicated events get applied to. tryTimer
// rate-limits each connection's request loop: the handler sleeps that
// long before every read, bounding replica CPU under a fast primary.
// Zero disables the sleep.
func NewReplica(addr string, manager *node.Manager, tryTimer time.Duration) (*Replica, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Replica{manager: manager, tryTimer: tryTimer, storages: make(map[string]*ReplicaStorage), listener: ln}, nil
}

// Addr returns the address the replica is listening on.
func (r *Replica) Addr() string { return r.listener.Addr().String() }

func (r *Replica) storageFor(queue string) *ReplicaStorage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.storages[queue]; ok {
		return s
	}
	s := NewReplicaStorage()
	r.storages[queue] = s
	return s
}

// SeedStorage primes a queue's confirmed index from persisted state,
// so a restarted replica resumes from its last durable watermark
// instead of asking the primary to resend history it already applied.
func (r *Replica) SeedStorage(queue string, confirmed uint64) {
	r.storageFor(queue).Advance(confirmed)
}

// Snapshot returns the persistable form of a queue's replica slot.
func (r *Replica) Snapshot(queue string) *eventlog.ReplicationSnapshot {
	return &eventlog.ReplicationSnapshot{
		Role:           eventlog.ReplicationRoleReplica,
		ConfirmedIndex: r.storageFor(queue).ConfirmedIndex(),
	}
}

// Serve accepts connections until the listener is closed.
func (r *Replica) Serve() error {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go r.handle(conn)
	}
}

// Close stops accepting new connections.
func (r *Replica) Close() error { return r.listener.Close() }

func (r *Replica) handle(conn net.Conn) {
	defer conn.Close()

	for {
		if r.tryTimer > 0 {
			time.Sleep(r.tryTimer)
		}
		msg, err := ReadMessage(conn)
		if err != nil {
			if err != io.EOF {
				logging.Op().Warn("replication exchange ended", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		resp, stop := r.dispatch(msg)
		if resp != nil {
			if err := WriteMessage(conn, resp); err != nil {
				logging.Op().Warn("replication write failed", "remote", conn.RemoteAddr(), "error", err)
				return
			}
		}
		if stop {
			return
		}
	}
}

func (r *Replica) dispatch(msg WireMessage) (resp WireMessage, stop bool) {
	switch m := msg.(type) {
	case Ping:
		return Pong{Version: ProtocolVersion}, false

	case AskIndex:
		indexes := make(map[string]uint64, len(r.manager.Names()))
		for _, name := range r.manager.Names() {
			indexes[name] = r.storageFor(name).ConfirmedIndex()
		}
		return RecvIndex{Indexes: indexes}, false

	case IndexMismatch:
		logging.Op().Warn("replica fell behind primary's retained log, resync from snapshot required", "queue", m.Queue)
		r.storageFor(m.Queue).Reset()
		return nil, false

	case SendRange:
		q, err := r.manager.Queue(m.Queue)
		if err != nil {
			return QueueNotFound{Queue: m.Queue}, false
		}
		storage := r.storageFor(m.Queue)
		now := time.Now()
		applied := uint64(0)
		for _, ev := range m.Events {
			if err := q.ApplyEvent(ev, now); err != nil {
				logging.Op().Error("replica apply event failed", "queue", m.Queue, "error", err)
				break
			}
			applied++
		}
		if applied > 0 {
			storage.Advance(m.Start + applied - 1)
		}
		return RecvRange{Queue: m.Queue, Index: storage.ConfirmedIndex()}, false

	default:
		return nil, true
	}
}
