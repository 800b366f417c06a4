// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package database implements the DuckDB-backed record store: an embedded
// columnar database holding GPS telemetry under a fixed byte budget. The
// store assigns a strictly increasing id to every inserted record, which
// together with created_at defines the purge order for the retention engine.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/geostream/internal/config"
	"github.com/tomtom215/geostream/internal/logging"
)

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig

	// budgetBytes is the retention byte budget used for usage reporting.
	budgetBytes int64
}

// New opens (or creates) the database file and initializes the schema.
// budgetBytes is the storage budget usage fractions are reported against.
func New(cfg *config.DatabaseConfig, budgetBytes int64) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists; 0750 per gosec G301.
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	// preserve_insertion_order=false reduces memory usage but may change
	// unordered result order; every query here orders explicitly.
	preserveOrder := "true"
	if !cfg.PreserveInsertionOrder {
		preserveOrder = "false"
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&preserve_insertion_order=%s",
		cfg.Path, numThreads, cfg.MaxMemory, preserveOrder)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{
		conn:        conn,
		cfg:         cfg,
		budgetBytes: budgetBytes,
	}

	// DuckDB is embedded; a single writer connection avoids write-write
	// conflicts while readers multiplex over the same handle.
	conn.SetMaxOpenConns(numThreads)
	conn.SetMaxIdleConns(numThreads)
	conn.SetConnMaxLifetime(0)

	if err := db.initialize(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Int("threads", numThreads).
		Int64("budget_bytes", budgetBytes).
		Msg("Database opened")

	return db, nil
}

// initialize creates the schema if it does not exist.
func (db *DB) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS gps_records_id_seq START 1`,

		`CREATE TABLE IF NOT EXISTS gps_records (
			id BIGINT PRIMARY KEY DEFAULT nextval('gps_records_id_seq'),
			device_sequence_id BIGINT,
			device_id VARCHAR NOT NULL,
			frame_time VARCHAR,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			url VARCHAR,
			sat_tked INTEGER,
			speed DOUBLE,
			altitude DOUBLE,
			heading DOUBLE,
			accuracy DOUBLE,
			ts TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			additional_data VARCHAR
		)`,

		`CREATE INDEX IF NOT EXISTS idx_gps_records_device ON gps_records(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_gps_records_created ON gps_records(created_at)`,

		`CREATE TABLE IF NOT EXISTS system_stats (
			ts TIMESTAMP NOT NULL,
			total_records BIGINT NOT NULL,
			size_bytes BIGINT NOT NULL,
			usage_fraction DOUBLE NOT NULL,
			capacity_state VARCHAR NOT NULL,
			records_purged BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Checkpoint flushes the WAL into the main database file. Run after bulk
// deletes so the on-disk size estimate reflects reclaimed space.
func (db *DB) Checkpoint(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close checkpoints and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Checkpoint(ctx); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint database before close")
	}
	return db.conn.Close()
}

// closeQuietly closes best-effort during cleanup paths.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}
