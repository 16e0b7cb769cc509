// Package queuestore implements the two-structure indexed store behind
// a queue: an identity map for O(1) id lookup and a sort-ordered tree
// for O(log n) priority access, coordinated under one caller-supplied
// guard (the queue wrapper in internal/queue owns locking).
package queuestore

import (
	"errors"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/oriys/spartan/internal/message"
)

// ErrNotFound is returned when an id has no corresponding message.
var ErrNotFound = errors.New("queuestore: message not found")

// SortKey orders messages: lowest first. A message with no delay sorts
// as zero (lowest possible), so undelayed pushes always precede delayed
// ones; ties within the same key fall back to insertion order.
type SortKey struct {
	Ready time.Duration // time-since-offset at which the message becomes ready
	Seq   uint64        // insertion sequence, breaks ties FIFO
}

func (a SortKey) Less(b SortKey) bool {
	if a.Ready != b.Ready {
		return a.Ready < b.Ready
	}
	return a.Seq < b.Seq
}

type entry struct {
	key SortKey
	id  uuid.UUID
	msg *message.Message
}

func entryLess(a, b entry) bool { return a.key.Less(b.key) }

// Store is the O(log n) indexed priority store for one queue's messages.
// It is not internally synchronized; callers (internal/queue) must hold
// a lock around every method call.
type Store struct {
	offset  time.Time // reference instant sort keys are normalized against
	nextSeq uint64

	identity map[uuid.UUID]entry  // all messages, available or reserved
	ordered  *btree.BTreeG[entry] // only Available messages, keyed for priority pop
}

// New creates an empty store. offset is the normalization reference
// point for sort keys — pass the node's start time, or any fixed
// instant before the first push, so that keys derived from different
// wall-clock pushes remain totally ordered as plain durations.
func New(offset time.Time) *Store {
	return &Store{
		offset:   offset,
		identity: make(map[uuid.UUID]entry),
		ordered:  btree.NewG(32, entryLess),
	}
}

// sortKeyFor computes the instant the message becomes ready, relative
// to the store's reference point. Delay is a duration counted from
// push time, so the producer's clock Offset takes no part in the key:
// readiness depends only on push time plus delay, and messages from
// producers with different offsets share one timeline. Keying on an
// offset-shifted instant would order them on different timelines and
// break the index.
func (s *Store) sortKeyFor(msg *message.Message, now time.Time, seq uint64) SortKey {
	if msg.Delay == nil {
		return SortKey{Ready: 0, Seq: seq}
	}
	ready := now.Sub(s.offset) + *msg.Delay
	if ready < 0 {
		ready = 0
	}
	return SortKey{Ready: ready, Seq: seq}
}

// Push inserts msg and returns its insertion sequence. A message
// arriving already Reserved (a snapshot restore of in-flight state)
// enters the identity map only; the ordered index holds Available
// messages exclusively, and the restored reservation stays out of it
// until Requeue or GC puts it back.
func (s *Store) Push(msg *message.Message, now time.Time) uint64 {
	seq := s.nextSeq
	s.nextSeq++
	key := s.sortKeyFor(msg, now, seq)
	e := entry{key: key, id: msg.ID, msg: msg}
	s.identity[msg.ID] = e
	if msg.Status == message.Available {
		s.ordered.ReplaceOrInsert(e)
	}
	return seq
}

// nextReady scans the ordered index in priority order for the first
// ready, non-garbage entry: an Available message that has already
// exhausted its try budget is gc-eligible immediately (see
// message.Message.ExhaustedTries), so it is dropped from both
// structures as it is passed over rather than being returned or left
// to block everything behind it. Deletions are collected during the
// Ascend callback and applied after it returns, since google/btree
// does not support mutating the tree mid-traversal.
func (s *Store) nextReady(now time.Time) (entry, bool) {
	nowRel := now.Sub(s.offset)
	var result entry
	var garbage []entry
	hit := false
	s.ordered.Ascend(func(e entry) bool {
		if e.key.Ready > nowRel {
			return false
		}
		if e.msg.ExhaustedTries() {
			garbage = append(garbage, e)
			return true
		}
		result = e
		hit = true
		return false
	})
	for _, g := range garbage {
		delete(s.identity, g.id)
		s.ordered.Delete(g)
	}
	return result, hit
}

// Peek returns the highest-priority Available message that is ready at
// now, without reserving it. ok is false when the store is empty or
// every Available message is still within its delay window.
func (s *Store) Peek(now time.Time) (msg *message.Message, ok bool) {
	e, hit := s.nextReady(now)
	if !hit {
		return nil, false
	}
	return e.msg, true
}

// Pop reserves and removes the highest-priority ready message from the
// ordered index (it stays in the identity map so Requeue/Delete can
// still find it while it is out for delivery).
func (s *Store) Pop(now time.Time) (msg *message.Message, ok bool) {
	e, hit := s.nextReady(now)
	if !hit {
		return nil, false
	}
	if !e.msg.Reserve(now) {
		return nil, false
	}
	s.ordered.Delete(e)
	return e.msg, true
}

// Requeue makes a previously popped message Available again, ready
// immediately, reinserting it into the ordered index at the back of
// the FIFO for its (now-zero) sort bucket. Only a Reserved message can
// be requeued; one that has burned its last try is left out of the
// ordered index for Gc to collect rather than resurrected.
func (s *Store) Requeue(id uuid.UUID, now time.Time) error {
	e, ok := s.identity[id]
	if !ok || e.msg.Status != message.Reserved {
		return ErrNotFound
	}
	e.msg.Requeue()
	if e.msg.ExhaustedTries() {
		return nil
	}
	seq := s.nextSeq
	s.nextSeq++
	e.key = SortKey{Ready: 0, Seq: seq}
	s.identity[id] = e
	s.ordered.ReplaceOrInsert(e)
	return nil
}

// Delete removes a message entirely, from both structures, returning
// the removed message.
func (s *Store) Delete(id uuid.UUID) (*message.Message, error) {
	e, ok := s.identity[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.identity, id)
	if e.msg.Status == message.Available {
		s.ordered.Delete(e)
	}
	return e.msg, nil
}

// Get looks up a message by id without affecting its state.
func (s *Store) Get(id uuid.UUID) (*message.Message, bool) {
	e, ok := s.identity[id]
	if !ok {
		return nil, false
	}
	return e.msg, true
}

// GcCandidates scans for both gc-eligible cases without mutating
// anything: a Reserved message whose timeout has elapsed (requeued if
// it still has try budget, deleted if not), and an Available message
// that has already exhausted its try budget without ever being
// reserved again (e.g. a max_tries=0 push, or one requeued after its
// last try) — nextReady normally scavenges the latter case lazily on
// the next Peek/Pop, but a queue nothing ever pops again needs Gc to
// collect it too. The split lets the queue wrapper log the sweep's
// outcome as an event before applying it.
func (s *Store) GcCandidates(now time.Time) (requeued, deleted []uuid.UUID) {
	for id, e := range s.identity {
		switch e.msg.Status {
		case message.Reserved:
			if !e.msg.Expired(now) {
				continue
			}
			if e.msg.ExhaustedTries() {
				deleted = append(deleted, id)
				continue
			}
			requeued = append(requeued, id)

		case message.Available:
			if e.msg.ExhaustedTries() {
				deleted = append(deleted, id)
			}
		}
	}
	return requeued, deleted
}

// ApplyGc applies a sweep's outcome: requeue the expired reservations
// that still have budget, drop the rest. The same entry point serves
// both a live sweep (ids from GcCandidates) and replay of a logged
// sweep.
func (s *Store) ApplyGc(requeued, deleted []uuid.UUID, now time.Time) {
	for _, id := range requeued {
		_ = s.Requeue(id, now)
	}
	for _, id := range deleted {
		_, _ = s.Delete(id)
	}
}

// Gc runs a full sweep in one step. Returns the ids it requeued and
// the ids it deleted.
func (s *Store) Gc(now time.Time) (requeued, deleted []uuid.UUID) {
	requeued, deleted = s.GcCandidates(now)
	s.ApplyGc(requeued, deleted, now)
	return requeued, deleted
}

// Size returns the total number of messages held, available or reserved.
func (s *Store) Size() int {
	return len(s.identity)
}

// Reserved returns the number of messages currently held in the
// Transit/Reserved state (out for delivery, not yet deleted or requeued).
func (s *Store) Reserved() int {
	n := 0
	for _, e := range s.identity {
		if e.msg.Status == message.Reserved {
			n++
		}
	}
	return n
}

// All returns every message currently held, available or reserved, in
// no particular order. Used for snapshotting; does not mutate state.
func (s *Store) All() []message.Message {
	out := make([]message.Message, 0, len(s.identity))
	for _, e := range s.identity {
		out = append(out, *e.msg)
	}
	return out
}

// Clear removes every message and returns the ids that were present.
func (s *Store) Clear() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.identity))
	for id := range s.identity {
		ids = append(ids, id)
	}
	s.identity = make(map[uuid.UUID]entry)
	s.ordered = btree.NewG(32, entryLess)
	return ids
}
