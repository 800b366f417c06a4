// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomtom215/geostream/internal/logging"
	"github.com/tomtom215/geostream/internal/metrics"
	"github.com/tomtom215/geostream/internal/models"
)

// Query limit bounds. Requests outside the range are clamped, not rejected.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// QueryFilter selects records for QueryRecords. Zero values mean "no filter".
type QueryFilter struct {
	DeviceID  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// clampLimit normalizes the requested page size into [1, MaxQueryLimit].
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}

const recordColumns = `id, device_sequence_id, device_id, frame_time, latitude, longitude,
	url, sat_tked, speed, altitude, heading, accuracy, ts, created_at, additional_data`

// InsertRecord persists a validated record, assigning its id and created_at.
// The sequence-assigned id is strictly increasing across the life of the
// database file, so (created_at, id) is a total arrival order.
func (db *DB) InsertRecord(ctx context.Context, rec *models.Record) error {
	start := time.Now()
	createdAt := time.Now().UTC()

	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO gps_records (
			device_sequence_id, device_id, frame_time, latitude, longitude,
			url, sat_tked, speed, altitude, heading, accuracy, ts, created_at, additional_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		rec.DeviceSequenceID, rec.DeviceID, rec.FrameTime, rec.Latitude, rec.Longitude,
		rec.URL, rec.SatTracked, rec.Speed, rec.Altitude, rec.Heading, rec.Accuracy,
		rec.Timestamp.UTC(), createdAt, rec.AdditionalData,
	)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	rec.CreatedAt = createdAt

	metrics.StoreQueryDuration.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	return nil
}

// QueryRecords returns records matching the filter, newest first.
func (db *DB) QueryRecords(ctx context.Context, filter QueryFilter) ([]models.Record, error) {
	start := time.Now()

	query := `SELECT ` + recordColumns + ` FROM gps_records WHERE 1=1`
	args := []interface{}{}

	if filter.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, filter.DeviceID)
	}
	if filter.StartTime != nil {
		query += " AND ts >= ?"
		args = append(args, filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		query += " AND ts <= ?"
		args = append(args, filter.EndTime.UTC())
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), maxInt(filter.Offset, 0))

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer closeQuietly(rows)

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	metrics.StoreQueryDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())
	return records, nil
}

// OldestRecords returns the n oldest records in purge order
// (created_at ascending, id ascending as the tiebreak).
func (db *DB) OldestRecords(ctx context.Context, n int) ([]models.Record, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM gps_records
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query oldest records: %w", err)
	}
	defer closeQuietly(rows)

	return scanRecords(rows)
}

// DeleteOldest removes the n oldest records in a single statement, so the
// purge is atomic with respect to concurrent inserts. Returns the number of
// records actually deleted.
func (db *DB) DeleteOldest(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	start := time.Now()

	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM gps_records
		WHERE id IN (
			SELECT id FROM gps_records
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		)`, n)
	if err != nil {
		return 0, fmt.Errorf("failed to delete oldest records: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted row count: %w", err)
	}

	// Checkpoint so the on-disk size estimate reflects the reclaimed space.
	if err := db.Checkpoint(ctx); err != nil {
		logging.Warn().Err(err).Msg("Checkpoint after purge failed")
	}

	metrics.StoreQueryDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	return deleted, nil
}

// CountRecords returns the current number of stored records.
func (db *DB) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM gps_records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Usage is a point-in-time view of store occupancy against the byte budget.
type Usage struct {
	Records     int64   `json:"total_records"`
	SizeBytes   int64   `json:"size_bytes"`
	BudgetBytes int64   `json:"budget_bytes"`
	Fraction    float64 `json:"usage_fraction"`
}

// CurrentUsage reports record count and estimated on-disk size against the
// budget. The size estimate comes from DuckDB's block accounting; it moves
// with inserts and, after checkpoint, with deletes.
func (db *DB) CurrentUsage(ctx context.Context) (Usage, error) {
	u := Usage{BudgetBytes: db.budgetBytes}

	var err error
	if u.Records, err = db.CountRecords(ctx); err != nil {
		return Usage{}, err
	}

	err = db.conn.QueryRowContext(ctx,
		"SELECT block_size * total_blocks FROM pragma_database_size()").Scan(&u.SizeBytes)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read database size: %w", err)
	}

	if db.budgetBytes > 0 {
		u.Fraction = float64(u.SizeBytes) / float64(db.budgetBytes)
	}

	metrics.StoreRecords.Set(float64(u.Records))
	metrics.StoreUsageFraction.Set(u.Fraction)
	return u, nil
}

// scanRecords drains a result set of recordColumns rows.
func scanRecords(rows *sql.Rows) ([]models.Record, error) {
	var records []models.Record
	for rows.Next() {
		var (
			rec       models.Record
			devSeq    sql.NullInt64
			frameTime sql.NullString
			url       sql.NullString
			satTked   sql.NullInt32
			speed     sql.NullFloat64
			altitude  sql.NullFloat64
			heading   sql.NullFloat64
			accuracy  sql.NullFloat64
			extra     sql.NullString
		)
		err := rows.Scan(
			&rec.ID, &devSeq, &rec.DeviceID, &frameTime, &rec.Latitude, &rec.Longitude,
			&url, &satTked, &speed, &altitude, &heading, &accuracy,
			&rec.Timestamp, &rec.CreatedAt, &extra,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		if devSeq.Valid {
			v := devSeq.Int64
			rec.DeviceSequenceID = &v
		}
		if frameTime.Valid {
			v := frameTime.String
			rec.FrameTime = &v
		}
		if url.Valid {
			v := url.String
			rec.URL = &v
		}
		if satTked.Valid {
			v := int(satTked.Int32)
			rec.SatTracked = &v
		}
		if speed.Valid {
			v := speed.Float64
			rec.Speed = &v
		}
		if altitude.Valid {
			v := altitude.Float64
			rec.Altitude = &v
		}
		if heading.Valid {
			v := heading.Float64
			rec.Heading = &v
		}
		if accuracy.Valid {
			v := accuracy.Float64
			rec.Accuracy = &v
		}
		if extra.Valid {
			v := extra.String
			rec.AdditionalData = &v
		}

		rec.Timestamp = rec.Timestamp.UTC()
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record iteration failed: %w", err)
	}
	return records, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
