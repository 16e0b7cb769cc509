package eventlog

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// On-disk layout, both drivers: one directory per queue under the
// configured root. Snapshot mode writes "queue" (full message state)
// and "replication"; log mode writes "queue_log", optionally
// "queue_compacted_log", and the same "replication" file.
const (
	snapshotFile    = "queue"
	logFile         = "queue_log"
	compactedFile   = "queue_compacted_log"
	replicationFile = "replication"
)

// SnapshotDriver persists queue state via periodic full-state
// serialization only: Append is a no-op, and durability is entirely a
// function of how often the caller (internal/jobs' snapshot ticker)
// invokes SaveSnapshot. This is the coarser, simpler of the two
// configured persistence modes — appropriate for queues where losing
// the last few seconds of mutations on a crash is acceptable.
type SnapshotDriver struct {
	dir string
}

// NewSnapshotDriver opens (creating if needed) a snapshot-only
// persistence store rooted at dir.
func NewSnapshotDriver(dir string) (*SnapshotDriver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create snapshot dir: %w", err)
	}
	return &SnapshotDriver{dir: dir}, nil
}

func (d *SnapshotDriver) queueDir(queue string) string {
	return filepath.Join(d.dir, queue)
}

// Append is a deliberate no-op: snapshot mode never logs individual
// mutations.
func (d *SnapshotDriver) Append(Event) error { return nil }

func (d *SnapshotDriver) SaveSnapshot(snap QueueSnapshot) error {
	if err := os.MkdirAll(d.queueDir(snap.Queue), 0o755); err != nil {
		return fmt.Errorf("eventlog: create queue dir: %w", err)
	}
	return writeGobFile(filepath.Join(d.queueDir(snap.Queue), snapshotFile), &snap)
}

func (d *SnapshotDriver) LoadQueue(name string) (*QueueSnapshot, []Event, error) {
	var snap QueueSnapshot
	ok, err := readGobFile(filepath.Join(d.queueDir(name), snapshotFile), &snap)
	if err != nil || !ok {
		return nil, nil, err
	}
	return &snap, nil, nil
}

func (d *SnapshotDriver) SaveReplication(queue string, snap *ReplicationSnapshot) error {
	if err := os.MkdirAll(d.queueDir(queue), 0o755); err != nil {
		return fmt.Errorf("eventlog: create queue dir: %w", err)
	}
	return writeGobFile(filepath.Join(d.queueDir(queue), replicationFile), snap)
}

func (d *SnapshotDriver) LoadReplication(queue string) (*ReplicationSnapshot, error) {
	var snap ReplicationSnapshot
	ok, err := readGobFile(filepath.Join(d.queueDir(queue), replicationFile), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

func (d *SnapshotDriver) QueueNames() ([]string, error) {
	return listQueueDirs(d.dir)
}

func (d *SnapshotDriver) Close() error { return nil }

// listQueueDirs returns the name of every queue directory under root.
func listQueueDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list %s: %w", root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func writeGobFile(path string, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("eventlog: encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

// readGobFile decodes path into v. ok is false (with a nil error) when
// the file does not exist — the tolerated "no durable state yet" case.
func readGobFile(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("eventlog: read %s: %w", filepath.Base(path), err)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return false, fmt.Errorf("eventlog: decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeFileAtomic writes data to a temp file in the same directory
// then renames it over path, so a crash mid-write never corrupts the
// previous durable snapshot.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("eventlog: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("eventlog: rename temp file: %w", err)
	}
	return nil
}
