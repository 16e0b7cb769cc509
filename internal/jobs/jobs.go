// Package jobs runs the node's periodic background work — GC sweeps,
// snapshot/compaction, and primary replication ticks — as independent
// ticker-driven worker loops, grounded on the same
// Start/Stop/stopCh/sync.WaitGroup shape used for every background
// worker in the example pack.
package jobs

import (
	"sync"
	"time"

	"github.com/oriys/spartan/internal/logging"
	"github.com/oriys/spartan/internal/metrics"
	"github.com/oriys/spartan/internal/node"
	"github.com/oriys/spartan/internal/queue"
	"github.com/oriys/spartan/internal/replication"
)

// worker is the common ticker-loop shape every job in this package
// follows.
type worker struct {
	name     string
	interval time.Duration
	tick     func(now time.Time)

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newWorker(name string, interval time.Duration, tick func(time.Time)) *worker {
	return &worker{name: name, interval: interval, tick: tick}
}

func (w *worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.interval <= 0 {
		return
	}
	w.started = true
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.run()
	logging.Op().Info("background job started", "job", w.name, "interval", w.interval)
}

func (w *worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logging.Op().Info("background job stopped", "job", w.name)
}

func (w *worker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.tick(now)
		}
	}
}

// GCWorker periodically sweeps every registered queue for expired
// reservations.
type GCWorker struct{ w *worker }

// NewGCWorker builds a GC job that runs every interval, sweeping each
// queue in its own goroutine so one queue's sweep (or a slow
// persistence append for its Gc event) never delays the others.
func NewGCWorker(manager *node.Manager, interval time.Duration, m *metrics.Metrics) *GCWorker {
	gw := &GCWorker{}
	gw.w = newWorker("gc", interval, func(now time.Time) {
		var wg sync.WaitGroup
		for _, name := range manager.Names() {
			q, err := manager.Queue(name)
			if err != nil {
				continue
			}
			wg.Add(1)
			go func(name string, q *queue.Queue) {
				defer wg.Done()
				requeued, deleted, err := q.Gc(now)
				if err != nil {
					logging.Op().Error("gc sweep failed", "queue", name, "error", err)
					return
				}
				if m != nil {
					m.QueueDepth.WithLabelValues(name).Set(float64(q.Size()))
					m.QueueReserved.WithLabelValues(name).Set(float64(q.Reserved()))
					if deleted > 0 {
						m.MessagesGcTotal.WithLabelValues(name).Add(float64(deleted))
					}
					if requeued > 0 {
						m.MessagesRequeued.WithLabelValues(name).Add(float64(requeued))
					}
				}
			}(name, q)
		}
		wg.Wait()
	})
	return gw
}

func (g *GCWorker) Start() { g.w.Start() }
func (g *GCWorker) Stop()  { g.w.Stop() }

// SnapshotWorker periodically flushes every queue's full state —
// messages plus replication slot — to the persistence driver, driving
// log compaction when enabled.
type SnapshotWorker struct{ w *worker }

// NewSnapshotWorker builds a snapshot job that runs every interval,
// persisting each queue in its own goroutine.
func NewSnapshotWorker(manager *node.Manager, interval time.Duration) *SnapshotWorker {
	sw := &SnapshotWorker{}
	sw.w = newWorker("snapshot", interval, func(now time.Time) {
		var wg sync.WaitGroup
		for _, name := range manager.Names() {
			q, err := manager.Queue(name)
			if err != nil {
				continue
			}
			wg.Add(1)
			go func(name string, q *queue.Queue) {
				defer wg.Done()
				if err := manager.PersistQueue(q); err != nil {
					logging.Op().Error("snapshot failed", "queue", name, "error", err)
				}
			}(name, q)
		}
		wg.Wait()
	})
	return sw
}

func (s *SnapshotWorker) Start() { s.w.Start() }
func (s *SnapshotWorker) Stop()  { s.w.Stop() }

// ReplicationWorker drives one primary replication tick per
// destination on every interval, each tick batching every queue's
// index exchange and range transfer over that destination's one
// pooled connection. A destination that returns a fatal error (dial
// refused, a non-Pong reply to Ping, version mismatch) is benched for tryTimer
// before it is dialed again, so a down replica costs one failed dial
// per bench window instead of one per tick.
type ReplicationWorker struct {
	w            *worker
	primary      *replication.Primary
	storageFor   func(queue string) *replication.PrimaryStorage
	destinations []string
	tryTimer     time.Duration
	metrics      *metrics.Metrics

	mu         sync.Mutex
	retryAfter map[string]time.Time
}

// NewReplicationWorker builds the primary-side replication job.
// storageFor must return (creating and registering one if needed) the
// replication log for a given queue name.
func NewReplicationWorker(
	manager *node.Manager,
	primary *replication.Primary,
	storageFor func(queue string) *replication.PrimaryStorage,
	destinations []string,
	interval, tryTimer time.Duration,
	m *metrics.Metrics,
) *ReplicationWorker {
	rw := &ReplicationWorker{
		primary:      primary,
		storageFor:   storageFor,
		destinations: destinations,
		tryTimer:     tryTimer,
		metrics:      m,
		retryAfter:   make(map[string]time.Time),
	}
	rw.w = newWorker("replication", interval, func(now time.Time) {
		storages := make(map[string]*replication.PrimaryStorage)
		for _, name := range manager.Names() {
			if storage := rw.storageFor(name); storage != nil {
				storages[name] = storage
			}
		}
		if len(storages) == 0 {
			return
		}

		for _, dest := range rw.liveDestinations(now) {
			start := time.Now()
			err := rw.primary.Tick(dest, storages)
			if m != nil {
				m.ReplicationTickDuration.WithLabelValues(dest).Observe(time.Since(start).Seconds())
			}
			if err == nil {
				continue
			}
			if replication.IsFatal(err) {
				logging.Op().Error("replication destination benched after fatal error", "dest", dest, "retry_in", rw.tryTimer, "error", err)
				rw.bench(dest, now)
				if m != nil {
					m.ReplicationErrorsTotal.WithLabelValues(dest, "fatal").Inc()
				}
				continue
			}
			logging.Op().Warn("replication tick failed, will retry", "dest", dest, "error", err)
			if m != nil {
				m.ReplicationErrorsTotal.WithLabelValues(dest, "transient").Inc()
			}
		}

		// Ticks above refreshed each queue's follower indexes, so the GC
		// threshold is as current as it will ever be — reclaim now.
		for name, storage := range storages {
			if dropped := storage.GC(); dropped > 0 {
				logging.Op().Debug("replication log compacted", "queue", name, "dropped", dropped)
			}
			if m != nil {
				m.ReplicationLag.WithLabelValues(name).Set(float64(storage.Lag()))
			}
		}
	})
	return rw
}

func (r *ReplicationWorker) bench(dest string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryAfter[dest] = now.Add(r.tryTimer)
}

func (r *ReplicationWorker) liveDestinations(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.destinations))
	for _, d := range r.destinations {
		if until, benched := r.retryAfter[d]; benched && now.Before(until) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (r *ReplicationWorker) Start() { r.w.Start() }
func (r *ReplicationWorker) Stop()  { r.w.Stop() }

// Runner aggregates every background job a node runs, so the daemon
// command can start and stop them as one unit.
type Runner struct {
	jobs []interface {
		Start()
		Stop()
	}
}

// NewRunner collects jobs into a single start/stop unit. A nil
// interface value is ignored; a typed nil pointer (e.g. a nil
// *ReplicationWorker) is a non-nil interface value and is kept.
func NewRunner(jobs ...interface {
	Start()
	Stop()
}) *Runner {
	r := &Runner{}
	for _, j := range jobs {
		if j != nil {
			r.jobs = append(r.jobs, j)
		}
	}
	return r
}

// Start launches every job.
func (r *Runner) Start() {
	for _, j := range r.jobs {
		j.Start()
	}
}

// Stop stops every job and blocks until each has fully drained —
// the shutdown-flush point a daemon's signal handler waits on before
// calling node.Manager.Shutdown.
func (r *Runner) Stop() {
	for _, j := range r.jobs {
		j.Stop()
	}
}
