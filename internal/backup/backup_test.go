// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package backup

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/geostream/internal/models"
)

func testRecords(n int) []models.Record {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	speed := 36.0
	records := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, models.Record{
			ID:        int64(i + 1),
			DeviceID:  "device-1",
			Latitude:  51.5,
			Longitude: -0.12,
			Speed:     &speed,
			Timestamp: now,
			CreatedAt: now,
		})
	}
	return records
}

func TestWriteJSONEnvelope(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultExpiration)
	require.NoError(t, err)

	artifact, err := w.Write(context.Background(), testRecords(3), FormatJSON)
	require.NoError(t, err)
	assert.True(t, ValidFilename(artifact.Filename))
	assert.Equal(t, FormatJSON, artifact.Format)
	assert.Equal(t, 3, artifact.RecordCount)
	assert.Positive(t, artifact.SizeBytes)
	assert.Equal(t, artifact.CreatedAt.Add(DefaultExpiration), artifact.ExpiresAt)

	data, err := os.ReadFile(filepath.Join(dir, artifact.Filename))
	require.NoError(t, err)

	var doc struct {
		Metadata struct {
			RecordCount int    `json:"record_count"`
			Format      string `json:"format"`
		} `json:"metadata"`
		Records []map[string]interface{} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 3, doc.Metadata.RecordCount)
	assert.Equal(t, "json", doc.Metadata.Format)
	require.Len(t, doc.Records, 3)

	// Exports always use the canonical spelling and carry derived fields.
	assert.Contains(t, doc.Records[0], "latitude")
	assert.NotContains(t, doc.Records[0], "lattitude")
	assert.Contains(t, doc.Records[0], "speed_ms")
	assert.InDelta(t, 10.0, doc.Records[0]["speed_ms"], 0.01)
	assert.Contains(t, doc.Records[0], "distance_from_origin")
}

func TestWriteCSV(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultExpiration)
	require.NoError(t, err)

	artifact, err := w.Write(context.Background(), testRecords(2), FormatCSV)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(artifact.Filename, ".csv"))

	f, err := os.Open(filepath.Join(dir, artifact.Filename))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + 2 records
	assert.Equal(t, models.CSVHeader, rows[0])
	assert.Equal(t, "device-1", rows[1][2])
	assert.Equal(t, "51.5", rows[1][4])
	// Unset optional fields are empty cells.
	assert.Equal(t, "", rows[1][1])
}

func TestWriteEmptySet(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultExpiration)
	require.NoError(t, err)

	artifact, err := w.Write(context.Background(), nil, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 0, artifact.RecordCount)
	assert.Positive(t, artifact.SizeBytes)
}

func TestWriteUnsupportedFormat(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultExpiration)
	require.NoError(t, err)

	_, err = w.Write(context.Background(), testRecords(1), "xml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWriteCollisionSuffix(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultExpiration)
	require.NoError(t, err)
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	first, err := w.Write(context.Background(), testRecords(1), FormatJSON)
	require.NoError(t, err)
	second, err := w.Write(context.Background(), testRecords(1), FormatJSON)
	require.NoError(t, err)
	third, err := w.Write(context.Background(), testRecords(1), FormatJSON)
	require.NoError(t, err)

	assert.Equal(t, "gps_backup_20260825_120000.json", first.Filename)
	assert.Equal(t, "gps_backup_20260825_120000_1.json", second.Filename)
	assert.Equal(t, "gps_backup_20260825_120000_2.json", third.Filename)
	assert.True(t, ValidFilename(second.Filename))
}

func TestWriteLeavesNoTempOnSuccess(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultExpiration)
	require.NoError(t, err)

	_, err = w.Write(context.Background(), testRecords(1), FormatCSV)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestValidFilename(t *testing.T) {
	valid := []string{
		"gps_backup_20260825_120000.json",
		"gps_backup_20260825_120000.csv",
		"gps_backup_20260825_120000_3.json",
	}
	for _, name := range valid {
		assert.True(t, ValidFilename(name), name)
	}

	invalid := []string{
		"",
		"../../etc/passwd",
		"gps_backup_20260825_120000.txt",
		"gps_backup_2026_120000.json",
		"notes.json",
		"gps_backup_20260825_120000.json.exe",
		"/etc/gps_backup_20260825_120000.json",
		"gps_backup_20260825_120000.JSON",
	}
	for _, name := range invalid {
		assert.False(t, ValidFilename(name), name)
	}
}

func newTestCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c, err := NewCatalog(dir, DefaultExpiration, time.Hour)
	require.NoError(t, err)
	return c
}

func TestCatalogRegisterListOpen(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultExpiration)
	require.NoError(t, err)
	c := newTestCatalog(t, dir)

	a1, err := w.Write(context.Background(), testRecords(2), FormatJSON)
	require.NoError(t, err)
	require.NoError(t, c.Register(a1))

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, a1.Filename, list[0].Filename)

	f, meta, err := c.Open(a1.Filename)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 2, meta.RecordCount)
}

func TestCatalogListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	c := newTestCatalog(t, dir)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for i, name := range []string{
		"gps_backup_20260825_120000.json",
		"gps_backup_20260825_120001.json",
		"gps_backup_20260825_120002.json",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
		require.NoError(t, c.Register(Artifact{
			Filename:  name,
			Format:    FormatJSON,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			ExpiresAt: base.Add(DefaultExpiration),
		}))
	}

	list := c.List()
	require.Len(t, list, 3)
	assert.Equal(t, "gps_backup_20260825_120002.json", list[0].Filename)
	assert.Equal(t, "gps_backup_20260825_120000.json", list[2].Filename)
}

func TestCatalogOpenRejectsTraversal(t *testing.T) {
	c := newTestCatalog(t, t.TempDir())

	for _, name := range []string{"../../etc/passwd", "..%2f..%2fetc%2fpasswd", "metadata.json", ""} {
		_, _, err := c.Open(name)
		assert.ErrorIs(t, err, ErrInvalidFilename, name)
	}
}

func TestCatalogOpenUnknown(t *testing.T) {
	c := newTestCatalog(t, t.TempDir())

	_, _, err := c.Open("gps_backup_20260825_120000.json")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestCatalogOpenVanishedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultExpiration)
	require.NoError(t, err)
	c := newTestCatalog(t, dir)

	a, err := w.Write(context.Background(), testRecords(1), FormatJSON)
	require.NoError(t, err)
	require.NoError(t, c.Register(a))

	// The file disappearing underneath a live entry is what a fetch sees
	// when it races a sweep; it must surface as not-found, not as an I/O
	// error.
	require.NoError(t, os.Remove(filepath.Join(dir, a.Filename)))

	_, _, err = c.Open(a.Filename)
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	// The dangling entry is dropped rather than served again.
	assert.Equal(t, 0, c.Len())
}

func TestCatalogSweepExpired(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultExpiration)
	require.NoError(t, err)
	c := newTestCatalog(t, dir)

	old, err := w.Write(context.Background(), testRecords(1), FormatJSON)
	require.NoError(t, err)
	old.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, c.Register(old))

	fresh, err := w.Write(context.Background(), testRecords(1), FormatCSV)
	require.NoError(t, err)
	require.NoError(t, c.Register(fresh))

	removed, err := c.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())

	_, err = os.Stat(filepath.Join(dir, old.Filename))
	assert.True(t, os.IsNotExist(err), "expired artifact file must be deleted")

	_, _, err = c.Open(fresh.Filename)
	assert.NoError(t, err)
}

func TestCatalogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultExpiration)
	require.NoError(t, err)

	c := newTestCatalog(t, dir)
	a, err := w.Write(context.Background(), testRecords(4), FormatJSON)
	require.NoError(t, err)
	require.NoError(t, c.Register(a))

	reopened := newTestCatalog(t, dir)
	list := reopened.List()
	require.Len(t, list, 1)
	assert.Equal(t, a.Filename, list[0].Filename)
	assert.Equal(t, 4, list[0].RecordCount)
	assert.WithinDuration(t, a.ExpiresAt, list[0].ExpiresAt, time.Second)
}

func TestCatalogAdoptsOrphanArtifacts(t *testing.T) {
	dir := t.TempDir()
	name := "gps_backup_20260825_120000.json"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
	// Non-artifact files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	c := newTestCatalog(t, dir)
	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, name, list[0].Filename)
	assert.Equal(t, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), list[0].CreatedAt)
	assert.Equal(t, -1, list[0].RecordCount)
}

func TestCatalogDropsEntriesForMissingFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, DefaultExpiration)
	require.NoError(t, err)

	c := newTestCatalog(t, dir)
	a, err := w.Write(context.Background(), testRecords(1), FormatJSON)
	require.NoError(t, err)
	require.NoError(t, c.Register(a))

	require.NoError(t, os.Remove(filepath.Join(dir, a.Filename)))

	reopened := newTestCatalog(t, dir)
	assert.Equal(t, 0, reopened.Len())
}
