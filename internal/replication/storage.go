// Package replication implements one-way primary→replica event
// streaming: a primary node keeps an indexed log of every event each of
// its queues has produced, and pushes unconfirmed ranges to registered
// replicas over a framed TCP protocol.
package replication

import (
	"sync"

	"github.com/oriys/spartan/internal/eventlog"
)

// IndexedEvent pairs a logged event with its position in the primary's
// replication log for that queue.
type IndexedEvent struct {
	Index uint64
	Event eventlog.Event
}

// PrimaryStorage is the per-queue indexed replication log a primary
// node keeps. It implements queue.EventSink, so a queue can fan events
// into it the same way it fans them into a persistence driver.
type PrimaryStorage struct {
	mu sync.Mutex

	queue     string
	events    []IndexedEvent
	nextIndex uint64

	// gcThreshold is the minimum start index every known follower has
	// confirmed; events at or below it are no follower's responsibility
	// and may be garbage collected.
	gcThreshold   uint64
	followerIndex map[string]uint64
}

// NewPrimaryStorage creates an empty replication log for queue. Indices
// start at 1, so index 0 is never a real event and can double as "this
// follower has confirmed nothing yet" in the wire protocol.
func NewPrimaryStorage(queue string) *PrimaryStorage {
	return &PrimaryStorage{
		queue:         queue,
		nextIndex:     1,
		followerIndex: make(map[string]uint64),
	}
}

// NewPrimaryStorageFromSnapshot rebuilds a primary log from persisted
// state, so a restarted primary resumes index assignment where it left
// off instead of restarting at 1 and confusing every follower.
func NewPrimaryStorageFromSnapshot(queue string, snap *eventlog.ReplicationSnapshot) *PrimaryStorage {
	s := NewPrimaryStorage(queue)
	s.nextIndex = snap.NextIndex
	s.gcThreshold = snap.GCThreshold
	for _, le := range snap.Log {
		s.events = append(s.events, IndexedEvent{Index: le.Index, Event: le.Event})
	}
	return s
}

// Snapshot captures the log's current durable state. Follower
// bookkeeping is deliberately excluded: confirmed indexes are
// re-learned from the first AskIndex after a restart.
func (s *PrimaryStorage) Snapshot() *eventlog.ReplicationSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := make([]eventlog.LoggedEvent, len(s.events))
	for i, e := range s.events {
		log[i] = eventlog.LoggedEvent{Index: e.Index, Event: e.Event}
	}
	return &eventlog.ReplicationSnapshot{
		Role:        eventlog.ReplicationRolePrimary,
		NextIndex:   s.nextIndex,
		GCThreshold: s.gcThreshold,
		Log:         log,
	}
}

// Append records ev at the next index. Implements queue.EventSink.
func (s *PrimaryStorage) Append(ev eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, IndexedEvent{Index: s.nextIndex, Event: ev})
	s.nextIndex++
	return nil
}

// Queue returns the name of the queue this storage replicates.
func (s *PrimaryStorage) Queue() string { return s.queue }

// NextIndex returns the index the next appended event will receive.
func (s *PrimaryStorage) NextIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex
}

// Lag returns how many appended events the slowest known follower has
// not yet confirmed — the gap between the last assigned index (next
// index minus one) and the current GC threshold (the minimum reported
// follower index).
func (s *PrimaryStorage) Lag() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex - 1 - s.gcThreshold
}

// Slice returns every retained event after confirmed, in order —
// confirmed is the last index the follower has applied, 0 meaning it
// has applied nothing yet. ok is false when confirmed falls below the
// GC threshold: the follower's next needed event has already been
// collected, nothing that old is retained, and the caller must be told
// to resync from a snapshot rather than be handed a silently truncated
// tail.
func (s *PrimaryStorage) Slice(confirmed uint64) (events []IndexedEvent, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if confirmed < s.gcThreshold {
		return nil, false
	}
	out := make([]IndexedEvent, 0, len(s.events))
	for _, e := range s.events {
		if e.Index > confirmed {
			out = append(out, e)
		}
	}
	return out, true
}

// ReportFollowerIndex records the confirmed start index a follower
// reported, and recomputes the GC threshold as the minimum across all
// known followers.
func (s *PrimaryStorage) ReportFollowerIndex(dest string, index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followerIndex[dest] = index
	min := s.nextIndex
	for _, idx := range s.followerIndex {
		if idx < min {
			min = idx
		}
	}
	s.gcThreshold = min
}

// GC drops every retained event at or below the current GC threshold
// and returns how many were dropped.
func (s *PrimaryStorage) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	dropped := 0
	for _, e := range s.events {
		if e.Index <= s.gcThreshold {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return dropped
}

// ReplicaStorage tracks, on the replica side, how far one queue's
// replication stream has been confirmed and applied.
type ReplicaStorage struct {
	mu             sync.Mutex
	confirmedIndex uint64
}

// NewReplicaStorage creates a replica-side tracker starting at index 0.
func NewReplicaStorage() *ReplicaStorage {
	return &ReplicaStorage{}
}

// ConfirmedIndex returns the last index this replica has applied.
func (s *ReplicaStorage) ConfirmedIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmedIndex
}

// Advance records a new confirmed index. It is a caller error to go
// backwards; Advance silently ignores a regression rather than
// corrupting an already-higher watermark.
func (s *ReplicaStorage) Advance(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.confirmedIndex {
		s.confirmedIndex = index
	}
}

// Reset drops the confirmed index back to zero, forcing the next
// AskIndex round to report "confirmed nothing" for this queue. Called
// when the primary reports an IndexMismatch: the primary's retained
// log no longer covers what this replica had confirmed, so the only
// way forward is a fresh snapshot load followed by a clean resync.
func (s *ReplicaStorage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmedIndex = 0
}
