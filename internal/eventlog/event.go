// Package eventlog turns queue mutations into a replayable, persisted
// event stream: the single source of truth that both on-disk
// persistence and primary replication read from.
package eventlog

import (
	"encoding/gob"

	"github.com/google/uuid"

	"github.com/oriys/spartan/internal/message"
)

// Event is a logged queue mutation. It is a closed set of concrete
// types (below), each gob-registered so a decoded interface value comes
// back as its original concrete type.
type Event interface {
	// QueueName identifies which queue the event applies to.
	QueueName() string
}

// PushEvent records a message entering a queue. The message is always
// an owned copy (see message.Message.Clone), never a pointer aliasing
// live store state, so replay never races the originating push.
type PushEvent struct {
	Queue   string
	Message message.Message
}

func (e PushEvent) QueueName() string { return e.Queue }

// PopEvent records a message being reserved for delivery.
type PopEvent struct {
	Queue string
	ID    uuid.UUID
}

func (e PopEvent) QueueName() string { return e.Queue }

// RequeueEvent records a reserved message returning to Available.
type RequeueEvent struct {
	Queue string
	ID    uuid.UUID
}

func (e RequeueEvent) QueueName() string { return e.Queue }

// DeleteEvent records a message being permanently removed.
type DeleteEvent struct {
	Queue string
	ID    uuid.UUID
}

func (e DeleteEvent) QueueName() string { return e.Queue }

// GcEvent records the outcome of one garbage-collection sweep.
type GcEvent struct {
	Queue    string
	Requeued []uuid.UUID
	Deleted  []uuid.UUID
}

func (e GcEvent) QueueName() string { return e.Queue }

// ClearEvent records a whole-queue reset.
type ClearEvent struct {
	Queue string
}

func (e ClearEvent) QueueName() string { return e.Queue }

func init() {
	gob.Register(PushEvent{})
	gob.Register(PopEvent{})
	gob.Register(RequeueEvent{})
	gob.Register(DeleteEvent{})
	gob.Register(GcEvent{})
	gob.Register(ClearEvent{})
}
