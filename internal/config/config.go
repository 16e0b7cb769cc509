// Package config loads and validates the Spartan node configuration:
// the queue list, background job timers, and persistence/replication
// topology. The on-disk format is YAML; a subset of fields (those read
// in applyEnv) can be overridden by SPARTAN_* environment variables.
// Queues, timers and access keys have no environment override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML-decodes from either a bare
// number of seconds (the config surface speaks in seconds) or a Go
// duration string like "90s" or "15m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Seconds returns the duration as a floating-point number of seconds.
func (d Duration) Seconds() float64 { return time.Duration(d).Seconds() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return int64(time.Duration(d) / time.Second), nil
}

// PersistenceMode selects how durable state is written.
type PersistenceMode string

const (
	PersistenceSnapshot PersistenceMode = "snapshot"
	PersistenceLog      PersistenceMode = "log"
)

// ReplicationMode selects the node's role, if any, in replication.
type ReplicationMode string

const (
	ReplicationNone    ReplicationMode = "none"
	ReplicationPrimary ReplicationMode = "primary"
	ReplicationReplica ReplicationMode = "replica"
)

// AccessKey grants bearer-token access to a set of queues. A Queues
// entry of "*" grants access to every queue.
type AccessKey struct {
	Key    string   `yaml:"key"`
	Queues []string `yaml:"queues"`
}

// Allows reports whether this key may act on the named queue.
func (k AccessKey) Allows(queue string) bool {
	for _, q := range k.Queues {
		if q == "*" || q == queue {
			return true
		}
	}
	return false
}

// PrimaryConfig configures a node acting as a replication primary.
type PrimaryConfig struct {
	Destinations []string `yaml:"destinations"`
	Timer        Duration `yaml:"timer"`
	TryTimer     Duration `yaml:"try_timer"`
}

// ReplicaConfig configures a node acting as a replication replica.
type ReplicaConfig struct {
	Host     string   `yaml:"host"`
	TryTimer Duration `yaml:"try_timer"`
}

// ReplicationConfig is the replication section of the config surface.
type ReplicationConfig struct {
	Mode    ReplicationMode `yaml:"mode"`
	Primary PrimaryConfig   `yaml:"primary"`
	Replica ReplicaConfig   `yaml:"replica"`
}

// PersistenceConfig is the persistence section of the config surface.
type PersistenceConfig struct {
	Mode       PersistenceMode `yaml:"mode"`
	Path       string          `yaml:"path"`
	Timer      Duration        `yaml:"timer"`
	Compaction bool            `yaml:"compaction"`
}

// Config is the full Spartan node configuration.
type Config struct {
	Queues        []string          `yaml:"queues"`
	GCTimer       Duration          `yaml:"gc_timer"`
	SnapshotTimer Duration          `yaml:"snapshot_timer"`
	Persistence   PersistenceConfig `yaml:"persistence"`
	Replication   ReplicationConfig `yaml:"replication"`
	AccessKeys    []AccessKey       `yaml:"access_keys"`

	HTTPAddr       string `yaml:"http_addr"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Default returns the configuration defaults, matching the values the
// original implementation shipped (gc_timer=300s, replication_timer=180s,
// primary try_timer=10s, replica try_timer=5s, snapshot_timer=900s,
// default persistence path "./db").
func Default() *Config {
	return &Config{
		Queues:        nil,
		GCTimer:       Duration(300 * time.Second),
		SnapshotTimer: Duration(900 * time.Second),
		Persistence: PersistenceConfig{
			Mode:       PersistenceLog,
			Path:       "./db",
			Timer:      Duration(900 * time.Second),
			Compaction: true,
		},
		Replication: ReplicationConfig{
			Mode: ReplicationNone,
			Primary: PrimaryConfig{
				Timer:    Duration(180 * time.Second),
				TryTimer: Duration(10 * time.Second),
			},
			Replica: ReplicaConfig{
				TryTimer: Duration(5 * time.Second),
			},
		},
		HTTPAddr:       ":8080",
		LogLevel:       "info",
		LogFormat:      "text",
		MetricsEnabled: true,
	}
}

// LoadFile reads and validates a YAML config file, applying defaults
// for anything left unset.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SPARTAN_* environment variables,
// following the same override-after-file-load ordering used throughout
// the example pack's config loaders.
func (c *Config) applyEnv() {
	if v := os.Getenv("SPARTAN_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("SPARTAN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SPARTAN_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("SPARTAN_PERSISTENCE_PATH"); v != "" {
		c.Persistence.Path = v
	}
	if v := os.Getenv("SPARTAN_REPLICATION_MODE"); v != "" {
		c.Replication.Mode = ReplicationMode(v)
	}
	if v := os.Getenv("SPARTAN_REPLICA_HOST"); v != "" {
		c.Replication.Replica.Host = v
	}
	if v := os.Getenv("SPARTAN_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MetricsEnabled = b
		}
	}
	if v := os.Getenv("SPARTAN_REPLICATION_DESTINATIONS"); v != "" {
		c.Replication.Primary.Destinations = strings.Split(v, ",")
	}
}

// Validate checks the config for internally consistent settings.
func (c *Config) Validate() error {
	switch c.Persistence.Mode {
	case PersistenceSnapshot, PersistenceLog:
	default:
		return fmt.Errorf("config: unknown persistence mode %q", c.Persistence.Mode)
	}
	switch c.Replication.Mode {
	case ReplicationNone:
	case ReplicationPrimary:
		if len(c.Replication.Primary.Destinations) == 0 {
			return fmt.Errorf("config: replication mode primary requires at least one destination")
		}
	case ReplicationReplica:
		if c.Replication.Replica.Host == "" {
			return fmt.Errorf("config: replication mode replica requires a host to listen on")
		}
	default:
		return fmt.Errorf("config: unknown replication mode %q", c.Replication.Mode)
	}
	for _, k := range c.AccessKeys {
		if k.Key == "" {
			return fmt.Errorf("config: access key entry with empty key")
		}
	}
	return nil
}
