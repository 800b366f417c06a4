// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package main is the entry point for the Geostream server.
//
// Geostream ingests GPS telemetry from device fleets and keeps it queryable
// under a fixed storage budget. The pipeline is:
//
//  1. Configuration: Koanf v2 layered sources (env > config.yaml > defaults)
//  2. Database: embedded DuckDB record store
//  3. Backup: snapshot writer and expiring artifact catalog
//  4. Retention: capacity monitor with snapshot-then-purge cycles
//  5. WebSocket hub: live position, stats, and capacity broadcasts
//  6. HTTP server: ingest, query, stats, cleanup, and backup endpoints
//
// Long-running components sit under a suture supervisor tree and restart
// independently on failure. SIGINT/SIGTERM trigger graceful shutdown: the
// listener drains, supervised services stop, and the database checkpoints
// on close.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/geostream/internal/api"
	"github.com/tomtom215/geostream/internal/backup"
	"github.com/tomtom215/geostream/internal/config"
	"github.com/tomtom215/geostream/internal/database"
	"github.com/tomtom215/geostream/internal/logging"
	"github.com/tomtom215/geostream/internal/monitor"
	"github.com/tomtom215/geostream/internal/ratelimit"
	"github.com/tomtom215/geostream/internal/stats"
	"github.com/tomtom215/geostream/internal/supervisor"
	"github.com/tomtom215/geostream/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("backup_dir", cfg.Backup.Dir).
		Int64("budget_bytes", cfg.Retention.BudgetBytes).
		Msg("Starting Geostream")

	db, err := database.New(&cfg.Database, cfg.Retention.BudgetBytes)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	writer, err := backup.NewWriter(cfg.Backup.Dir, cfg.Backup.Expiration)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize backup writer")
	}
	catalog, err := backup.NewCatalog(cfg.Backup.Dir, cfg.Backup.Expiration, cfg.Backup.SweepInterval)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open backup catalog")
	}

	hub := websocket.NewHub()
	capacityMonitor := monitor.New(db, writer, catalog, hub, cfg.Retention)
	admitter := ratelimit.NewAdmitter(cfg.Ingest.RatePerSecond, cfg.Ingest.Burst)
	rates := stats.NewAggregator()

	handler := api.NewHandler(db, admitter, capacityMonitor, writer, catalog, hub, rates, cfg)
	router := api.NewRouter(handler).WithHub(hub)
	server := api.NewServer(cfg.Server, router.Setup())

	tree := supervisor.NewTree(slog.Default(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(hub)
	tree.AddPipelineService(capacityMonitor)
	tree.AddPipelineService(catalog)
	tree.AddPipelineService(admitter)
	tree.AddPipelineService(stats.NewPublisher(rates, hub, stats.DefaultPublishInterval))
	tree.AddAPIService(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree stopped with error")
		os.Exit(1)
	}

	logging.Info().Msg("Geostream stopped")
}
