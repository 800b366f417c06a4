// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package database

import (
	"context"
	"fmt"
	"time"
)

// SystemStat is one retention-cycle observation persisted for trend history.
type SystemStat struct {
	Timestamp     time.Time `json:"timestamp"`
	TotalRecords  int64     `json:"total_records"`
	SizeBytes     int64     `json:"size_bytes"`
	UsageFraction float64   `json:"usage_fraction"`
	CapacityState string    `json:"capacity_state"`
	RecordsPurged int64     `json:"records_purged"`
}

// InsertSystemStat appends one observation to the system_stats table.
func (db *DB) InsertSystemStat(ctx context.Context, s SystemStat) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO system_stats (ts, total_records, size_bytes, usage_fraction, capacity_state, records_purged)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.Timestamp.UTC(), s.TotalRecords, s.SizeBytes, s.UsageFraction, s.CapacityState, s.RecordsPurged,
	)
	if err != nil {
		return fmt.Errorf("failed to insert system stat: %w", err)
	}
	return nil
}

// RecentSystemStats returns up to limit observations, newest first.
func (db *DB) RecentSystemStats(ctx context.Context, limit int) ([]SystemStat, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT ts, total_records, size_bytes, usage_fraction, capacity_state, records_purged
		FROM system_stats
		ORDER BY ts DESC
		LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query system stats: %w", err)
	}
	defer closeQuietly(rows)

	var out []SystemStat
	for rows.Next() {
		var s SystemStat
		if err := rows.Scan(&s.Timestamp, &s.TotalRecords, &s.SizeBytes,
			&s.UsageFraction, &s.CapacityState, &s.RecordsPurged); err != nil {
			return nil, fmt.Errorf("failed to scan system stat: %w", err)
		}
		s.Timestamp = s.Timestamp.UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("system stat iteration failed: %w", err)
	}
	return out, nil
}
