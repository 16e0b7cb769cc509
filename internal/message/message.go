// Package message defines the Spartan message value type: the unit a
// queue stores, reserves, and eventually deletes or discards.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Status describes where a message sits in its reservation lifecycle.
type Status int

const (
	// Available means the message can be popped by any consumer.
	Available Status = iota
	// Reserved means a consumer currently holds the message and has
	// until its timeout elapses to requeue or delete it.
	Reserved
)

func (s Status) String() string {
	if s == Reserved {
		return "reserved"
	}
	return "available"
}

// Message is the value object carried by a queue. Zero value is not
// meaningful; construct with New.
type Message struct {
	ID       uuid.UUID
	Body     []byte
	Delay    *time.Duration
	// Offset is the client-supplied clock offset Delay was computed
	// against (e.g. a producer in a different timezone or with clock
	// skew from the node). It is carried with the message but takes no
	// part in readiness or ordering: Delay is relative to push time
	// (see queuestore's sortKeyFor).
	Offset   time.Duration
	MaxTries uint32
	Tries    uint32
	Status   Status

	// TimeoutMax bounds how long a reservation may be held before the
	// message is eligible for GC-driven requeue.
	TimeoutMax time.Duration

	ObtainedAt   *time.Time
	DispatchedAt *time.Time
}

// New builds a fresh, unreserved message ready for insertion into a queue.
func New(body []byte, delay *time.Duration, offset time.Duration, maxTries uint32, timeoutMax time.Duration) *Message {
	now := time.Now()
	return &Message{
		ID:           uuid.New(),
		Body:         body,
		Delay:        delay,
		Offset:       offset,
		MaxTries:     maxTries,
		TimeoutMax:   timeoutMax,
		Status:       Available,
		DispatchedAt: &now,
	}
}

// Clone returns a deep-enough copy safe to hand across goroutine or
// process boundaries (event emission, replication, persistence).
func (m *Message) Clone() *Message {
	cp := *m
	if m.Delay != nil {
		d := *m.Delay
		cp.Delay = &d
	}
	if m.ObtainedAt != nil {
		t := *m.ObtainedAt
		cp.ObtainedAt = &t
	}
	if m.DispatchedAt != nil {
		t := *m.DispatchedAt
		cp.DispatchedAt = &t
	}
	if m.Body != nil {
		cp.Body = append([]byte(nil), m.Body...)
	}
	return &cp
}

// Reserve marks the message Reserved, bumps its try counter, and stamps
// ObtainedAt. Returns false if the message has already exhausted its
// try budget — max_tries=0 means no tries are ever available, so the
// message is GC-eligible immediately rather than "unlimited".
func (m *Message) Reserve(now time.Time) bool {
	if m.Tries >= m.MaxTries {
		return false
	}
	m.Tries++
	m.Status = Reserved
	m.ObtainedAt = &now
	return true
}

// Requeue clears the reservation, making the message Available again.
func (m *Message) Requeue() {
	m.Status = Available
	m.ObtainedAt = nil
}

// Expired reports whether a Reserved message has outlived TimeoutMax
// relative to now — the condition the GC pass uses to force-requeue it.
func (m *Message) Expired(now time.Time) bool {
	if m.Status != Reserved || m.ObtainedAt == nil {
		return false
	}
	if m.TimeoutMax <= 0 {
		return false
	}
	return now.Sub(*m.ObtainedAt) >= m.TimeoutMax
}

// ExhaustedTries reports whether the message has used up its try budget
// and should be dropped instead of requeued. max_tries=0 exhausts on
// the very first check, since zero tries are ever granted.
func (m *Message) ExhaustedTries() bool {
	return m.Tries >= m.MaxTries
}
