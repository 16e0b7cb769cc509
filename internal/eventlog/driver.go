package eventlog

import "github.com/oriys/spartan/internal/message"

// QueueSnapshot is the full serialized state of one queue at an
// instant: every message it held, available or reserved.
type QueueSnapshot struct {
	Queue    string
	Messages []message.Message
}

// ReplicationRole tags which side of replication a persisted slot
// belongs to, so a node restarted under a different role ignores
// stale state from the old one.
type ReplicationRole string

const (
	ReplicationRolePrimary ReplicationRole = "primary"
	ReplicationRoleReplica ReplicationRole = "replica"
)

// LoggedEvent pairs an event with its primary-log index for
// serialization.
type LoggedEvent struct {
	Index uint64
	Event Event
}

// ReplicationSnapshot captures a queue's replication slot at an
// instant: the primary's retained indexed log, or the replica's
// confirmed watermark, depending on Role.
type ReplicationSnapshot struct {
	Role ReplicationRole

	// Primary fields.
	NextIndex   uint64
	GCThreshold uint64
	Log         []LoggedEvent

	// Replica field.
	ConfirmedIndex uint64
}

// Driver is the persistence backend a queue logs mutations to and
// recovers state from. internal/node selects one Driver per node at
// startup from config.Persistence.Mode.
type Driver interface {
	// Append durably records one mutation event. Drivers that persist
	// only via periodic full snapshots may treat this as a no-op.
	Append(ev Event) error

	// SaveSnapshot durably records the full current state of a queue,
	// optionally compacting away any log entries it supersedes.
	SaveSnapshot(snap QueueSnapshot) error

	// LoadQueue recovers a queue's last known state: a snapshot (if
	// any) plus the events that must still be replayed on top of it.
	LoadQueue(name string) (*QueueSnapshot, []Event, error)

	// QueueNames lists every queue this driver has durable state for,
	// so a node can recover queues it wasn't told about in config.
	QueueNames() ([]string, error)

	// SaveReplication durably records a queue's replication slot
	// alongside its message state.
	SaveReplication(queue string, snap *ReplicationSnapshot) error

	// LoadReplication recovers a queue's persisted replication slot,
	// or nil when none was ever written.
	LoadReplication(queue string) (*ReplicationSnapshot, error)

	Close() error
}
