// Package config loads the JSON-encoded configuration for a sessionkv
// store, mirroring the teacher's etc.ParseReplicaConf/etc.ParseNodeConf
// functions (internal/replica/etc/conf.go, internal/node/etc/conf.go):
// read the whole file, decode over a struct of defaults. Unlike the
// teacher's loaders, Load returns an error rather than exiting.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the on-disk shape for a sessionkv.Store, covering everything
// that isn't supplied programmatically (schema check, migrations, change
// callbacks, and the two backing services are always Go values, not JSON).
type Config struct {
	// Name scopes every persisted key under records/<name>, shards/<name>,
	// tx/<name>, locks/<name>, per spec.md §6.
	Name string `json:"name"`

	LogLevel string `json:"log_level"`

	// LeaseTTLSeconds/RefreshSeconds/AcquireDeadlineSeconds configure
	// internal/lease per spec.md §3/§4.2.
	LeaseTTLSeconds          int `json:"lease_ttl_seconds"`
	LeaseRefreshSeconds      int `json:"lease_refresh_seconds"`
	LeaseAcquireDeadlineSecs int `json:"lease_acquire_deadline_seconds"`

	AutosaveSeconds int `json:"autosave_seconds"`

	// MaxChunkBytes overrides shard.Codec.MaxChunkSize; zero keeps the
	// package default (spec.md §3's ~4MB-minus-reserve bound).
	MaxChunkBytes int `json:"max_chunk_bytes"`

	// MetricsAddr, if non-empty, is the listen address for the optional
	// Prometheus /metrics handler described in SPEC_FULL.md §1.
	MetricsAddr string `json:"metrics_addr"`

	// DBPath is where the reference leveldbstore.Store keeps its files,
	// mirroring the teacher's db_dir config key.
	DBPath string `json:"db_dir"`
}

// Default mirrors the teacher's MakeDefaultConfig: sensible values used as
// the base before the on-disk JSON is unmarshalled on top.
func Default() Config {
	return Config{
		LogLevel:                 "info",
		LeaseTTLSeconds:          90,
		LeaseRefreshSeconds:      60,
		LeaseAcquireDeadlineSecs: 30,
		AutosaveSeconds:          300,
		DBPath:                   "./data/sessionkv",
	}
}

// Load reads and parses confPath the way etc.ParseReplicaConf does,
// returning an error instead of calling log.Fatalf so library callers can
// decide how to react.
func Load(confPath string) (Config, error) {
	conf := Default()
	bytes, err := os.ReadFile(confPath)
	if err != nil {
		return conf, fmt.Errorf("config: read %s: %w", confPath, err)
	}
	if err := json.Unmarshal(bytes, &conf); err != nil {
		return conf, fmt.Errorf("config: parse %s: %w", confPath, err)
	}
	return conf, nil
}

func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

func (c Config) LeaseRefresh() time.Duration {
	return time.Duration(c.LeaseRefreshSeconds) * time.Second
}

func (c Config) LeaseAcquireDeadline() time.Duration {
	return time.Duration(c.LeaseAcquireDeadlineSecs) * time.Second
}

func (c Config) Autosave() time.Duration {
	return time.Duration(c.AutosaveSeconds) * time.Second
}
