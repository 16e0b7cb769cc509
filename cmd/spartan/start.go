package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/spartan/internal/config"
	"github.com/oriys/spartan/internal/eventlog"
	"github.com/oriys/spartan/internal/httpapi"
	"github.com/oriys/spartan/internal/jobs"
	"github.com/oriys/spartan/internal/logging"
	"github.com/oriys/spartan/internal/metrics"
	"github.com/oriys/spartan/internal/node"
	"github.com/oriys/spartan/internal/replication"
)

func startCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the Spartan broker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "spartan.yaml", "path to the configuration file")
	return cmd
}

func runDaemon(configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	logging.InitStructured(cfg.LogFormat, cfg.LogLevel)

	driver, err := openDriver(cfg.Persistence)
	if err != nil {
		return fmt.Errorf("open persistence driver: %w", err)
	}

	startedAt := time.Now()
	manager := node.New(driver, startedAt)
	if err := manager.Recover(cfg.Queues); err != nil {
		return fmt.Errorf("recover queues: %w", err)
	}
	logging.Op().Info("spartan node ready", "queues", manager.Names())

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("spartan")
	}

	var runnerJobs []interface {
		Start()
		Stop()
	}
	runnerJobs = append(runnerJobs, jobs.NewGCWorker(manager, cfg.GCTimer.Std(), m))
	runnerJobs = append(runnerJobs, jobs.NewSnapshotWorker(manager, cfg.SnapshotTimer.Std()))

	var replicaServer *replication.Replica
	var primary *replication.Primary
	switch cfg.Replication.Mode {
	case config.ReplicationPrimary:
		var storagesMu sync.Mutex
		storages := make(map[string]*replication.PrimaryStorage)
		storageFor := func(name string) *replication.PrimaryStorage {
			storagesMu.Lock()
			defer storagesMu.Unlock()
			if s, ok := storages[name]; ok {
				return s
			}
			q, err := manager.Queue(name)
			if err != nil {
				return nil
			}
			s := primaryStorageFromDisk(driver, name)
			q.AddSink(s)
			storages[name] = s
			return s
		}
		for _, name := range manager.Names() {
			storageFor(name)
		}
		manager.SetReplicationState(func(name string) *eventlog.ReplicationSnapshot {
			storagesMu.Lock()
			s, ok := storages[name]
			storagesMu.Unlock()
			if !ok {
				return nil
			}
			return s.Snapshot()
		})

		primary = replication.NewPrimary(cfg.Replication.Primary.TryTimer.Std())
		replWorker := jobs.NewReplicationWorker(manager, primary, storageFor, cfg.Replication.Primary.Destinations, cfg.Replication.Primary.Timer.Std(), cfg.Replication.Primary.TryTimer.Std(), m)
		runnerJobs = append(runnerJobs, replWorker)

	case config.ReplicationReplica:
		rs, err := replication.NewReplica(cfg.Replication.Replica.Host, manager, cfg.Replication.Replica.TryTimer.Std())
		if err != nil {
			return fmt.Errorf("start replica listener: %w", err)
		}
		for _, name := range manager.Names() {
			persisted, err := driver.LoadReplication(name)
			if err != nil {
				return fmt.Errorf("load replication state for %s: %w", name, err)
			}
			if persisted != nil && persisted.Role == eventlog.ReplicationRoleReplica {
				rs.SeedStorage(name, persisted.ConfirmedIndex)
			}
		}
		manager.SetReplicationState(func(name string) *eventlog.ReplicationSnapshot {
			return rs.Snapshot(name)
		})
		replicaServer = rs
		go func() {
			if err := rs.Serve(); err != nil {
				logging.Op().Error("replica listener stopped", "error", err)
			}
		}()
		logging.Op().Info("replica listening", "addr", rs.Addr())
	}

	runner := jobs.NewRunner(runnerJobs...)
	runner.Start()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.New(manager, cfg.AccessKeys, m).Handler(),
	}
	go func() {
		logging.Op().Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logging.Op().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Op().Error("http shutdown error", "error", err)
	}
	if replicaServer != nil {
		_ = replicaServer.Close()
	}
	if primary != nil {
		_ = primary.Close()
	}
	runner.Stop()
	return manager.Shutdown()
}

// primaryStorageFromDisk rebuilds a queue's primary replication log
// from persisted state when one exists for the primary role, so index
// assignment continues across restarts; otherwise it starts fresh.
func primaryStorageFromDisk(driver eventlog.Driver, name string) *replication.PrimaryStorage {
	persisted, err := driver.LoadReplication(name)
	if err != nil {
		logging.Op().Error("load replication state failed, starting fresh", "queue", name, "error", err)
		return replication.NewPrimaryStorage(name)
	}
	if persisted == nil || persisted.Role != eventlog.ReplicationRolePrimary {
		return replication.NewPrimaryStorage(name)
	}
	return replication.NewPrimaryStorageFromSnapshot(name, persisted)
}

func openDriver(cfg config.PersistenceConfig) (eventlog.Driver, error) {
	switch cfg.Mode {
	case config.PersistenceSnapshot:
		return eventlog.NewSnapshotDriver(cfg.Path)
	case config.PersistenceLog:
		return eventlog.NewLogDriver(cfg.Path, cfg.Compaction)
	default:
		return nil, fmt.Errorf("unknown persistence mode %q", cfg.Mode)
	}
}
