// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the ingestion and retention pipeline:
// - Admission outcomes (admitted / throttled / rejected)
// - Store usage against the configured byte budget
// - Retention cycle outcomes and purge volumes
// - Snapshot write durations and backup catalog size
// - WebSocket fan-out

var (
	// Ingestion metrics
	IngestAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geostream_ingest_admitted_total",
			Help: "Total number of records admitted past the rate gate",
		},
	)

	IngestThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geostream_ingest_throttled_total",
			Help: "Total number of submissions rejected by the rate gate",
		},
	)

	IngestRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geostream_ingest_rejected_total",
			Help: "Total number of submissions rejected before admission",
		},
		[]string{"reason"}, // "validation", "decode", "store"
	)

	RateBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geostream_rate_buckets",
			Help: "Current number of live per-source token buckets",
		},
	)

	// Store metrics
	StoreRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geostream_store_records",
			Help: "Current number of records in the store",
		},
	)

	StoreUsageFraction = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geostream_store_usage_fraction",
			Help: "Store size estimate divided by the configured byte budget",
		},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geostream_store_query_duration_seconds",
			Help:    "Duration of record store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Retention metrics
	RetentionCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geostream_retention_cycles_total",
			Help: "Total number of completed retention cycles by resulting state",
		},
		[]string{"state"}, // "ok", "warning", "emergency"
	)

	RetentionCycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geostream_retention_cycle_errors_total",
			Help: "Total number of failed retention cycles",
		},
		[]string{"stage"}, // "usage", "snapshot", "delete", "busy"
	)

	RecordsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geostream_records_purged_total",
			Help: "Total number of records deleted by retention purges",
		},
	)

	// Backup metrics
	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geostream_snapshot_duration_seconds",
			Help:    "Duration of snapshot artifact writes in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"format"},
	)

	BackupArtifacts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geostream_backup_artifacts",
			Help: "Current number of artifacts in the backup catalog",
		},
	)

	BackupsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geostream_backups_swept_total",
			Help: "Total number of expired backup artifacts removed",
		},
	)

	// WebSocket metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geostream_websocket_clients",
			Help: "Current number of connected WebSocket clients",
		},
	)

	WebSocketDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geostream_websocket_dropped_total",
			Help: "Total number of broadcast messages dropped due to full channels",
		},
	)
)
