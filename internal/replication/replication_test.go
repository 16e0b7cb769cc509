package replication

import (
	"testing"
	"time"

	"github.com/oriys/spartan/internal/eventlog"
	"github.com/oriys/spartan/internal/message"
	"github.com/oriys/spartan/internal/node"
)

type noopDriver struct{}

func (noopDriver) Append(eventlog.Event) error               { return nil }
func (noopDriver) SaveSnapshot(eventlog.QueueSnapshot) error { return nil }
func (noopDriver) LoadQueue(string) (*eventlog.QueueSnapshot, []eventlog.Event, error) {
	return nil, nil, nil
}
func (noopDriver) QueueNames() ([]string, error) { return nil, nil }
func (noopDriver) SaveReplication(string, *eventlog.ReplicationSnapshot) error { return nil }
func (noopDriver) LoadReplication(string) (*eventlog.ReplicationSnapshot, error) {
	return nil, nil
}
func (noopDriver) Close() error { return nil }

func TestPrimaryReplicaHandshakeAndRange(t *testing.T) {
	now := time.Now()
	mgr := node.New(noopDriver{}, now)
	q := mgr.CreateQueue("jobs")

	replica, err := NewReplica("127.0.0.1:0", mgr, 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer replica.Close()
	go replica.Serve()

	storage := NewPrimaryStorage("jobs")
	q.AddSink(storage)

	m := message.New([]byte("payload"), nil, 0, 3, time.Minute)
	if err := q.Push(m, now); err != nil {
		t.Fatalf("push: %v", err)
	}

	primary := NewPrimary(2 * time.Second)
	if err := primary.Tick(replica.Addr(), map[string]*PrimaryStorage{"jobs": storage}); err != nil {
		t.Fatalf("tick: %v", err)
	}

	time.Sleep(50 * time.Millisecond) // let the replica goroutine apply before asserting

	replicaQueue, err := mgr.Queue("jobs")
	if err != nil {
		t.Fatalf("replica queue: %v", err)
	}
	if replicaQueue.Size() != 1 {
		t.Fatalf("expected replica queue to have replayed 1 message, got size=%d", replicaQueue.Size())
	}
}

func TestRepeatedTicksDoNotReapplyEvents(t *testing.T) {
	now := time.Now()
	primaryMgr := node.New(noopDriver{}, now)
	primaryQueue := primaryMgr.CreateQueue("jobs")
	replicaMgr := node.New(noopDriver{}, now)
	replicaMgr.CreateQueue("jobs")

	replica, err := NewReplica("127.0.0.1:0", replicaMgr, 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer replica.Close()
	go replica.Serve()

	storage := NewPrimaryStorage("jobs")
	primaryQueue.AddSink(storage)

	m := message.New([]byte("payload"), nil, 0, 3, time.Minute)
	if err := primaryQueue.Push(m, now); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := primaryQueue.Pop(now); err != nil {
		t.Fatalf("pop: %v", err)
	}

	primary := NewPrimary(2 * time.Second)
	defer primary.Close()
	storages := map[string]*PrimaryStorage{"jobs": storage}
	for i := 0; i < 3; i++ {
		if err := primary.Tick(replica.Addr(), storages); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	// Two events logged (push at index 1, pop at index 2); the extra
	// ticks must find nothing new to send and leave the confirmed index
	// exactly at the last real event, not inflate it by resending.
	if got := replica.storageFor("jobs").ConfirmedIndex(); got != 2 {
		t.Fatalf("expected replica confirmed index 2, got %d", got)
	}
	if got := storage.Lag(); got != 0 {
		t.Fatalf("expected zero lag after full sync, got %d", got)
	}

	replicaQueue, err := replicaMgr.Queue("jobs")
	if err != nil {
		t.Fatalf("replica queue: %v", err)
	}
	if size := replicaQueue.Size(); size != 1 {
		t.Fatalf("expected replica to hold the one replicated message, got size=%d", size)
	}
	if reserved := replicaQueue.Reserved(); reserved != 1 {
		t.Fatalf("expected the replicated pop to leave the message reserved, got %d", reserved)
	}
}

func TestPrimaryVersionMismatchIsFatal(t *testing.T) {
	now := time.Now()
	mgr := node.New(noopDriver{}, now)
	replica, err := NewReplica("127.0.0.1:0", mgr, 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer replica.Close()
	go replica.Serve()

	storage := NewPrimaryStorage("jobs")
	primary := NewPrimary(2 * time.Second)
	storages := map[string]*PrimaryStorage{"jobs": storage}
	if err := primary.tick(replica.Addr(), storages, "some-other-version"); err == nil || !IsFatal(err) {
		t.Fatalf("expected fatal version mismatch error, got %v", err)
	}
}

func TestPrimaryStorageLagTracksSlowestFollower(t *testing.T) {
	storage := NewPrimaryStorage("jobs")
	if got := storage.Lag(); got != 0 {
		t.Fatalf("expected zero lag on empty storage, got %d", got)
	}

	for i := 0; i < 5; i++ {
		storage.Append(eventlog.ClearEvent{Queue: "jobs"})
	}
	if got := storage.Lag(); got != 5 {
		t.Fatalf("expected lag=5 with no follower reports yet, got %d", got)
	}

	storage.ReportFollowerIndex("replica-a", 2)
	storage.ReportFollowerIndex("replica-b", 4)
	if got := storage.Lag(); got != 3 {
		t.Fatalf("expected lag=3 (bound by slowest follower at index 2), got %d", got)
	}
}

func TestPrimaryStorageSliceIndexMismatch(t *testing.T) {
	storage := NewPrimaryStorage("jobs")
	for i := 0; i < 6; i++ {
		storage.Append(eventlog.ClearEvent{Queue: "jobs"})
	}

	if events, ok := storage.Slice(0); !ok || len(events) != 6 {
		t.Fatalf("expected full slice for a fresh follower, got ok=%v len=%d", ok, len(events))
	}
	if events, ok := storage.Slice(4); !ok || len(events) != 2 {
		t.Fatalf("expected events 5 and 6 after confirmed=4, got ok=%v len=%d", ok, len(events))
	}

	storage.ReportFollowerIndex("replica-a", 4)
	storage.GC()

	if _, ok := storage.Slice(1); ok {
		t.Fatalf("expected index mismatch for confirmed index below GC threshold")
	}
	if events, ok := storage.Slice(4); !ok || len(events) != 2 {
		t.Fatalf("expected 2 retained events after confirmed=4, got ok=%v len=%d", ok, len(events))
	}
}
