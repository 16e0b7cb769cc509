// Package queue wraps the indexed store in internal/queuestore as the
// single mutex-guarded concurrency unit client code interacts with,
// and fans every mutation out as an event to the node's persistence
// and replication sinks.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/spartan/internal/eventlog"
	"github.com/oriys/spartan/internal/message"
	"github.com/oriys/spartan/internal/queuestore"
)

// ErrNoMessageAvailable is returned by Pop when nothing is ready.
var ErrNoMessageAvailable = errors.New("queue: no message available")

// ErrMessageNotFound is returned by Requeue/Delete for an unknown id.
var ErrMessageNotFound = errors.New("queue: message not found")

// EventSink receives every mutation a queue produces. internal/eventlog
// drivers and internal/replication's primary storage both implement it,
// so a queue can fan the same event out to persistence and replication
// without knowing about either concretely.
type EventSink interface {
	Append(ev eventlog.Event) error
}

// Queue is the concurrency-safe unit of work: every public method
// holds the queue's single mutex for its full duration, and every
// mutation reaches the registered sinks as an event before it reaches
// the store.
type Queue struct {
	mu    sync.Mutex
	name  string
	store *queuestore.Store
	sinks []EventSink
}

// New creates an empty queue. offset is forwarded to the underlying
// store for sort-key normalization (see queuestore.New).
func New(name string, offset time.Time) *Queue {
	return &Queue{name: name, store: queuestore.New(offset)}
}

// Name returns the queue's identifier.
func (q *Queue) Name() string { return q.name }

// AddSink registers an additional event consumer (persistence driver or
// replication storage). Must be called before concurrent use begins.
func (q *Queue) AddSink(sink EventSink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sinks = append(q.sinks, sink)
}

// Restore seeds the queue's store directly from recovered state,
// bypassing event emission — used once at startup to load a
// snapshot's messages; trailing log events are replayed afterwards
// through ApplyEvent.
func (q *Queue) Restore(now time.Time, messages []message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range messages {
		m := messages[i]
		q.store.Push(&m, now)
	}
}

// logEvent fans ev out to every sink. The first sink error is
// returned; callers treat a sink failure as a PersistenceError or
// ReplicationError depending on which sink produced it. Every mutating
// method logs before it touches the store: a sink failure aborts the
// operation with the store untouched, so the durable history never
// lags the live state.
func (q *Queue) logEvent(ev eventlog.Event) error {
	for _, sink := range q.sinks {
		if err := sink.Append(ev); err != nil {
			return err
		}
	}
	return nil
}

// Push logs a PushEvent, then inserts the message.
func (q *Queue) Push(msg *message.Message, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.logEvent(eventlog.PushEvent{Queue: q.name, Message: *msg.Clone()}); err != nil {
		return err
	}
	q.store.Push(msg, now)
	return nil
}

// Peek returns the next ready message without reserving it.
func (q *Queue) Peek(now time.Time) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.store.Peek(now)
	if !ok {
		return nil, ErrNoMessageAvailable
	}
	return msg.Clone(), nil
}

// Pop logs a PopEvent, then reserves and returns the next ready
// message. The same priority scan answers Peek and Pop under one held
// mutex, so the message peeked to decide (and stamp the event with an
// id) is the one the reservation lands on.
func (q *Queue) Pop(now time.Time) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next, ok := q.store.Peek(now)
	if !ok {
		return nil, ErrNoMessageAvailable
	}
	if err := q.logEvent(eventlog.PopEvent{Queue: q.name, ID: next.ID}); err != nil {
		return nil, err
	}
	msg, ok := q.store.Pop(now)
	if !ok {
		return nil, ErrNoMessageAvailable
	}
	return msg.Clone(), nil
}

// Requeue logs a RequeueEvent, then returns a reserved message to
// Available.
func (q *Queue) Requeue(id uuid.UUID, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.store.Get(id)
	if !ok || msg.Status != message.Reserved {
		return ErrMessageNotFound
	}
	if err := q.logEvent(eventlog.RequeueEvent{Queue: q.name, ID: id}); err != nil {
		return err
	}
	return translateStoreErr(q.store.Requeue(id, now))
}

// Delete logs a DeleteEvent, then permanently removes the message and
// returns it.
func (q *Queue) Delete(id uuid.UUID) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.store.Get(id); !ok {
		return nil, ErrMessageNotFound
	}
	if err := q.logEvent(eventlog.DeleteEvent{Queue: q.name, ID: id}); err != nil {
		return nil, err
	}
	msg, err := q.store.Delete(id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	return msg.Clone(), nil
}

// Gc scans for expired reservations and exhausted messages, logs the
// sweep's outcome as a GcEvent, then applies it — nothing moves unless
// the event was durably recorded first. It returns how many messages
// were requeued and how many were dropped for good, so a caller can
// drive GC-related metrics without a second pass.
func (q *Queue) Gc(now time.Time) (requeuedCount, deletedCount int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	requeued, deleted := q.store.GcCandidates(now)
	if len(requeued) == 0 && len(deleted) == 0 {
		return 0, 0, nil
	}
	if err := q.logEvent(eventlog.GcEvent{Queue: q.name, Requeued: requeued, Deleted: deleted}); err != nil {
		return 0, 0, err
	}
	q.store.ApplyGc(requeued, deleted, now)
	return len(requeued), len(deleted), nil
}

// Clear logs a ClearEvent, then drops every message.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.logEvent(eventlog.ClearEvent{Queue: q.name}); err != nil {
		return err
	}
	q.store.Clear()
	return nil
}

// Size returns the total number of messages held, available or reserved.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Size()
}

// Reserved returns the number of messages currently out for delivery.
func (q *Queue) Reserved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Reserved()
}

// Snapshot returns the full current state for persistence/compaction.
func (q *Queue) Snapshot() eventlog.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return eventlog.QueueSnapshot{Queue: q.name, Messages: q.store.All()}
}

// ApplyEvent replays a previously logged event directly against the
// store without re-emitting it to any sink — used at startup to
// reconstruct state from persisted history, and by the replica to
// apply the events of a received SendRange.
func (q *Queue) ApplyEvent(ev eventlog.Event, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch e := ev.(type) {
	case eventlog.PushEvent:
		m := e.Message
		q.store.Push(&m, now)
	case eventlog.PopEvent:
		q.store.Pop(now)
	case eventlog.RequeueEvent:
		_ = q.store.Requeue(e.ID, now)
	case eventlog.DeleteEvent:
		_, _ = q.store.Delete(e.ID)
	case eventlog.GcEvent:
		// Replay applies the sweep's recorded outcome rather than
		// re-evaluating timeouts against this node's clock, so a replica
		// converges on the primary's decision even when their clocks or
		// replay timing differ.
		q.store.ApplyGc(e.Requeued, e.Deleted, now)
	case eventlog.ClearEvent:
		q.store.Clear()
	}
	return nil
}

func translateStoreErr(err error) error {
	if errors.Is(err, queuestore.ErrNotFound) {
		return ErrMessageNotFound
	}
	return err
}
