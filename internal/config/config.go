// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package config defines the Geostream configuration model and its
// validation rules. Loading is layered via Koanf (see koanf.go):
// struct defaults, then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the root configuration for the Geostream server.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Retention RetentionConfig `koanf:"retention"`
	Backup    BackupConfig    `koanf:"backup"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// CORSOrigins lists allowed CORS origins for the dashboard.
	CORSOrigins []string `koanf:"cors_origins"`

	// Coarse per-IP request limiting on the outer API surface.
	// The ingest endpoint has its own per-device admission gate on top.
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path                   string `koanf:"path"`
	MaxMemory              string `koanf:"max_memory"`
	Threads                int    `koanf:"threads"` // 0 = runtime.NumCPU()
	PreserveInsertionOrder bool   `koanf:"preserve_insertion_order"`
}

// IngestConfig holds the per-device admission gate parameters.
type IngestConfig struct {
	// RatePerSecond is the sustained token refill rate per device.
	RatePerSecond float64 `koanf:"rate_per_second"`

	// Burst is the token bucket capacity per device.
	Burst int `koanf:"burst"`
}

// RetentionConfig holds the capacity budget and purge policy.
//
// The warning/emergency purge fractions are policy parameters, not
// constants: deployments disagree on how aggressively to reclaim headroom
// (10%/20% vs 25%/50% have both been run in production), so both are
// configurable and the defaults sit between them.
type RetentionConfig struct {
	// BudgetBytes is the fixed storage budget the store must stay under.
	BudgetBytes int64 `koanf:"budget_bytes"`

	// WarningThreshold is the usage fraction that triggers a maintenance
	// purge (snapshot + delete of the oldest PurgeFractionWarning).
	WarningThreshold float64 `koanf:"warning_threshold"`

	// EmergencyThreshold is the usage fraction that triggers an emergency
	// purge (snapshot + delete of the oldest PurgeFractionEmergency).
	EmergencyThreshold float64 `koanf:"emergency_threshold"`

	// PurgeFractionWarning is the fraction of records purged at WARNING.
	PurgeFractionWarning float64 `koanf:"purge_fraction_warning"`

	// PurgeFractionEmergency is the fraction purged at EMERGENCY.
	PurgeFractionEmergency float64 `koanf:"purge_fraction_emergency"`

	// Interval is the scheduled monitor cycle period.
	Interval time.Duration `koanf:"interval"`

	// SnapshotFormat is the artifact format for automatic purge
	// snapshots: json or csv.
	SnapshotFormat string `koanf:"snapshot_format"`
}

// BackupConfig holds snapshot artifact storage settings.
type BackupConfig struct {
	// Dir is the directory artifacts and catalog metadata live in.
	Dir string `koanf:"dir"`

	// Expiration is how long an artifact is retained before the sweeper
	// removes it.
	Expiration time.Duration `koanf:"expiration"`

	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for internal consistency.
//
//nolint:gocyclo // Validation function with many sequential checks
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Ingest.RatePerSecond <= 0 {
		return fmt.Errorf("ingest.rate_per_second must be positive, got: %g", c.Ingest.RatePerSecond)
	}
	if c.Ingest.Burst < 1 {
		return fmt.Errorf("ingest.burst must be at least 1, got: %d", c.Ingest.Burst)
	}
	if c.Retention.BudgetBytes <= 0 {
		return fmt.Errorf("retention.budget_bytes must be positive, got: %d", c.Retention.BudgetBytes)
	}
	if c.Retention.WarningThreshold <= 0 || c.Retention.WarningThreshold >= 1 {
		return fmt.Errorf("retention.warning_threshold must be in (0,1), got: %g", c.Retention.WarningThreshold)
	}
	if c.Retention.EmergencyThreshold <= c.Retention.WarningThreshold || c.Retention.EmergencyThreshold > 1 {
		return fmt.Errorf("retention.emergency_threshold must be in (warning_threshold,1], got: %g",
			c.Retention.EmergencyThreshold)
	}
	if c.Retention.PurgeFractionWarning <= 0 || c.Retention.PurgeFractionWarning >= 1 {
		return fmt.Errorf("retention.purge_fraction_warning must be in (0,1), got: %g",
			c.Retention.PurgeFractionWarning)
	}
	if c.Retention.PurgeFractionEmergency < c.Retention.PurgeFractionWarning || c.Retention.PurgeFractionEmergency >= 1 {
		return fmt.Errorf("retention.purge_fraction_emergency must be in [purge_fraction_warning,1), got: %g",
			c.Retention.PurgeFractionEmergency)
	}
	if c.Retention.Interval < time.Second {
		return fmt.Errorf("retention.interval must be at least 1s, got: %s", c.Retention.Interval)
	}
	if c.Retention.SnapshotFormat != "json" && c.Retention.SnapshotFormat != "csv" {
		return fmt.Errorf("retention.snapshot_format must be one of: json, csv")
	}
	if c.Backup.Dir == "" {
		return fmt.Errorf("backup.dir is required")
	}
	if !filepath.IsAbs(c.Backup.Dir) {
		return fmt.Errorf("backup.dir must be an absolute path, got: %s", c.Backup.Dir)
	}
	if c.Backup.Expiration < time.Minute {
		return fmt.Errorf("backup.expiration must be at least 1m, got: %s", c.Backup.Expiration)
	}
	if c.Backup.SweepInterval < time.Minute {
		return fmt.Errorf("backup.sweep_interval must be at least 1m, got: %s", c.Backup.SweepInterval)
	}
	return nil
}
