// Package node owns the name-to-queue registry for one Spartan
// instance: queue creation, lookup, and the startup/shutdown lifecycle
// that wires each queue to its persistence and replication sinks and
// recovers state from durable storage.
package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/spartan/internal/eventlog"
	"github.com/oriys/spartan/internal/logging"
	"github.com/oriys/spartan/internal/queue"
)

// ErrQueueNotFound is returned when an operation names a queue the
// node has never registered.
var ErrQueueNotFound = errors.New("node: queue not found")

// Manager is the node: the registry of queues a Spartan instance
// serves, plus the persistence driver they all share.
type Manager struct {
	mu        sync.RWMutex
	queues    map[string]*queue.Queue
	driver    eventlog.Driver
	startedAt time.Time

	// replState, when set, reports the current replication slot for a
	// queue so snapshot passes can persist it alongside message state.
	replState func(queue string) *eventlog.ReplicationSnapshot
}

// New creates an empty node bound to driver for persistence. startedAt
// is used as the sort-key normalization offset for every queue the
// node creates (see queuestore.New).
func New(driver eventlog.Driver, startedAt time.Time) *Manager {
	return &Manager{
		queues:    make(map[string]*queue.Queue),
		driver:    driver,
		startedAt: startedAt,
	}
}

// CreateQueue registers a new, empty queue named name, wired to the
// node's persistence driver. It is idempotent: creating an
// already-registered queue returns the existing one.
func (m *Manager) CreateQueue(name string) *queue.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	q := queue.New(name, m.startedAt)
	q.AddSink(m.driver)
	m.queues[name] = q
	return q
}

// Queue looks up a registered queue by name.
func (m *Manager) Queue(name string) (*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// Names returns every registered queue name, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetReplicationState registers the callback snapshot passes use to
// capture each queue's replication slot. Called once at startup by
// whichever replication role is configured; never called when
// replication is off.
func (m *Manager) SetReplicationState(fn func(queue string) *eventlog.ReplicationSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replState = fn
}

// ReplicationState returns the current replication slot for a queue,
// or nil when replication is not configured.
func (m *Manager) ReplicationState(queue string) *eventlog.ReplicationSnapshot {
	m.mu.RLock()
	fn := m.replState
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(queue)
}

// PersistQueue flushes one queue's full state — messages plus any
// replication slot — through the persistence driver. Both the periodic
// snapshot job and the shutdown flush funnel through here.
func (m *Manager) PersistQueue(q *queue.Queue) error {
	if err := m.driver.SaveSnapshot(q.Snapshot()); err != nil {
		return err
	}
	if rs := m.ReplicationState(q.Name()); rs != nil {
		return m.driver.SaveReplication(q.Name(), rs)
	}
	return nil
}

// AddReplicationSink wires an additional event sink (the replication
// primary's storage) to every currently registered queue. Intended to
// be called once at startup, after CreateQueue/Recover, before serving
// traffic.
func (m *Manager) AddReplicationSink(sink queue.EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		q.AddSink(sink)
	}
}

// Recover rebuilds every queue the persistence driver has durable
// state for: configuredNames are created even if the driver has
// nothing for them yet (fresh queues), and any additional queue name
// found only in the driver (one config no longer lists, but whose
// history still exists on disk) is recovered too so its messages are
// never silently orphaned.
func (m *Manager) Recover(configuredNames []string) error {
	known, err := m.driver.QueueNames()
	if err != nil {
		return fmt.Errorf("node: list durable queues: %w", err)
	}
	names := mergeUnique(configuredNames, known)

	for _, name := range names {
		q := m.CreateQueue(name)
		snap, events, err := m.driver.LoadQueue(name)
		if err != nil {
			return fmt.Errorf("node: load queue %s: %w", name, err)
		}
		now := time.Now()
		if snap != nil {
			q.Restore(now, snap.Messages)
		}
		for _, ev := range events {
			if err := q.ApplyEvent(ev, now); err != nil {
				return fmt.Errorf("node: replay queue %s: %w", name, err)
			}
		}
		if len(events) > 0 {
			// Fold the replayed tail into a fresh snapshot so the next
			// recovery starts from here instead of replaying the same
			// events again (the log driver truncates the replayed log
			// when compaction is on).
			if err := m.PersistQueue(q); err != nil {
				return fmt.Errorf("node: compact queue %s after replay: %w", name, err)
			}
		}
		logging.Op().Info("queue recovered", "queue", name, "size", q.Size())
	}
	return nil
}

// Shutdown flushes every queue's current state to a final snapshot and
// closes the persistence driver.
func (m *Manager) Shutdown() error {
	m.mu.RLock()
	queues := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	for _, q := range queues {
		if err := m.PersistQueue(q); err != nil {
			logging.Op().Error("shutdown snapshot failed", "queue", q.Name(), "error", err)
		}
	}
	return m.driver.Close()
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
