// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package backup

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/geostream/internal/logging"
	"github.com/tomtom215/geostream/internal/metrics"
	"github.com/tomtom215/geostream/internal/models"
)

// snapshotMetadata is the self-describing header embedded in JSON artifacts.
type snapshotMetadata struct {
	CreatedAt   time.Time `json:"created_at"`
	RecordCount int       `json:"record_count"`
	Format      string    `json:"format"`
	Generator   string    `json:"generator"`
}

// snapshotEnvelope is the JSON artifact document shape.
type snapshotEnvelope struct {
	Metadata snapshotMetadata        `json:"metadata"`
	Records  []models.RecordResponse `json:"records"`
}

// Writer produces snapshot artifacts in the configured directory.
// Artifacts appear atomically: content is written to a temp file, fsynced,
// then renamed into place, so a crash mid-write never leaves a partial
// artifact under a catalog-visible name.
type Writer struct {
	dir        string
	expiration time.Duration

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// NewWriter creates a writer rooted at dir, creating it if needed.
func NewWriter(dir string, expiration time.Duration) (*Writer, error) {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	return &Writer{dir: dir, expiration: expiration, now: time.Now}, nil
}

// Write exports the records as one artifact in the given format and returns
// its catalog entry. An empty record set still produces a valid artifact.
func (w *Writer) Write(ctx context.Context, records []models.Record, format string) (Artifact, error) {
	if format != FormatJSON && format != FormatCSV {
		return Artifact{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	start := time.Now()
	now := w.now().UTC()
	filename := w.nextFilename(now, format)

	tmp, err := os.CreateTemp(w.dir, ".gps_backup_*.tmp")
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	// The temp file only survives a successful rename.
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	switch format {
	case FormatJSON:
		err = writeJSON(tmp, records, now)
	case FormatCSV:
		err = writeCSV(tmp, records)
	}
	if err != nil {
		cleanup()
		return Artifact{}, fmt.Errorf("failed to encode artifact: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return Artifact{}, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Artifact{}, fmt.Errorf("failed to close artifact: %w", err)
	}

	finalPath := filepath.Join(w.dir, filename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return Artifact{}, fmt.Errorf("failed to finalize artifact: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to stat artifact: %w", err)
	}

	artifact := Artifact{
		Filename:    filename,
		Format:      format,
		RecordCount: len(records),
		SizeBytes:   info.Size(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(w.expiration),
	}

	metrics.SnapshotDuration.WithLabelValues(format).Observe(time.Since(start).Seconds())
	logging.Info().
		Str("filename", filename).
		Str("format", format).
		Int("records", len(records)).
		Int64("size_bytes", artifact.SizeBytes).
		Msg("Snapshot artifact written")

	return artifact, nil
}

// nextFilename builds a timestamped name, appending a counter suffix when a
// second snapshot lands in the same wall-clock second.
func (w *Writer) nextFilename(now time.Time, format string) string {
	stamp := now.Format("20060102_150405")
	name := fmt.Sprintf("gps_backup_%s.%s", stamp, format)
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(w.dir, name)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("gps_backup_%s_%d.%s", stamp, n, format)
	}
}

// writeJSON emits the envelope document with a metadata header.
func writeJSON(f *os.File, records []models.Record, createdAt time.Time) error {
	responses := make([]models.RecordResponse, 0, len(records))
	for _, rec := range records {
		responses = append(responses, models.NewRecordResponse(rec))
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshotEnvelope{
		Metadata: snapshotMetadata{
			CreatedAt:   createdAt,
			RecordCount: len(records),
			Format:      FormatJSON,
			Generator:   "geostream",
		},
		Records: responses,
	})
}

// writeCSV emits a header row plus one row per record.
func writeCSV(f *os.File, records []models.Record) error {
	cw := csv.NewWriter(f)
	if err := cw.Write(models.CSVHeader); err != nil {
		return err
	}
	for i := range records {
		if err := cw.Write(csvRow(&records[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// csvRow renders one record in CSVHeader column order. Unset optional fields
// become empty cells.
func csvRow(r *models.Record) []string {
	return []string{
		strconv.FormatInt(r.ID, 10),
		formatInt64Ptr(r.DeviceSequenceID),
		r.DeviceID,
		formatStringPtr(r.FrameTime),
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		formatStringPtr(r.URL),
		formatIntPtr(r.SatTracked),
		formatFloatPtr(r.Speed),
		formatFloatPtr(r.Altitude),
		formatFloatPtr(r.Heading),
		formatFloatPtr(r.Accuracy),
		r.Timestamp.UTC().Format(time.RFC3339),
		r.CreatedAt.UTC().Format(time.RFC3339),
		formatStringPtr(r.AdditionalData),
	}
}

func formatStringPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatIntPtr(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
