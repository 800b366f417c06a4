// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/geostream/internal/logging"
	"github.com/tomtom215/geostream/internal/metrics"
)

// metadataFilename is the catalog index file inside the backup directory.
const metadataFilename = "metadata.json"

// catalogDocument is the persisted index shape.
type catalogDocument struct {
	Version   int                 `json:"version"`
	Artifacts map[string]Artifact `json:"artifacts"`
}

// Catalog is the durable index over the artifact directory. All access to
// artifact files goes through it, and every filename is validated against the
// artifact pattern before any filesystem operation, so request-supplied names
// can never escape the backup directory.
type Catalog struct {
	dir           string
	expiration    time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	entries map[string]Artifact

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// NewCatalog opens (or creates) the catalog for dir. Existing index entries
// are loaded from the metadata file and reconciled against the directory:
// entries whose file vanished are dropped, and artifact files with no entry
// (from an older process that died between rename and register) are adopted.
func NewCatalog(dir string, expiration, sweepInterval time.Duration) (*Catalog, error) {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}

	c := &Catalog{
		dir:           dir,
		expiration:    expiration,
		sweepInterval: sweepInterval,
		entries:       make(map[string]Artifact),
		now:           time.Now,
	}

	if err := c.load(); err != nil {
		return nil, err
	}
	if err := c.reconcile(); err != nil {
		return nil, err
	}

	metrics.BackupArtifacts.Set(float64(len(c.entries)))
	return c, nil
}

// load reads the metadata file, tolerating its absence.
func (c *Catalog) load() error {
	data, err := os.ReadFile(filepath.Join(c.dir, metadataFilename))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read backup metadata: %w", err)
	}

	var doc catalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt index is recoverable: reconcile rebuilds it from the
		// directory contents.
		logging.Warn().Err(err).Msg("Backup metadata unreadable, rebuilding from directory")
		return nil
	}
	if doc.Artifacts != nil {
		c.entries = doc.Artifacts
	}
	return nil
}

// reconcile aligns the index with the directory contents and persists the
// result.
func (c *Catalog) reconcile() error {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read backup directory: %w", err)
	}

	present := make(map[string]os.FileInfo)
	for _, de := range dirEntries {
		if de.IsDir() || !ValidFilename(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		present[de.Name()] = info
	}

	for name := range c.entries {
		if _, ok := present[name]; !ok {
			logging.Warn().Str("filename", name).Msg("Cataloged artifact missing from disk, dropping entry")
			delete(c.entries, name)
		}
	}

	for name, info := range present {
		if _, ok := c.entries[name]; ok {
			continue
		}
		createdAt := parseFilenameStamp(name, info.ModTime().UTC())
		c.entries[name] = Artifact{
			Filename:    name,
			Format:      filepath.Ext(name)[1:],
			RecordCount: -1, // unknown for adopted artifacts
			SizeBytes:   info.Size(),
			CreatedAt:   createdAt,
			ExpiresAt:   createdAt.Add(c.expiration),
		}
		logging.Info().Str("filename", name).Msg("Adopted uncataloged artifact")
	}

	return c.persistLocked()
}

// parseFilenameStamp recovers the creation time embedded in an artifact name,
// falling back to the given time when parsing fails.
func parseFilenameStamp(name string, fallback time.Time) time.Time {
	const prefix = "gps_backup_"
	if len(name) < len(prefix)+15 {
		return fallback
	}
	stamp := name[len(prefix) : len(prefix)+15]
	t, err := time.Parse("20060102_150405", stamp)
	if err != nil {
		return fallback
	}
	return t.UTC()
}

// Register adds an artifact to the index and persists it.
func (c *Catalog) Register(a Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[a.Filename] = a
	metrics.BackupArtifacts.Set(float64(len(c.entries)))
	return c.persistLocked()
}

// List returns all cataloged artifacts, newest first.
func (c *Catalog) List() []Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Artifact, 0, len(c.entries))
	for _, a := range c.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Filename > out[j].Filename
	})
	return out
}

// Open returns a reader for a cataloged artifact. The filename is validated
// before the index lookup and before any filesystem access. The catalog lock
// is held across the open, so a fetch racing the sweeper sees the artifact
// either fully present or already gone, never half-removed.
func (c *Catalog) Open(filename string) (*os.File, Artifact, error) {
	if !ValidFilename(filename) {
		return nil, Artifact{}, fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.entries[filename]
	if !ok {
		return nil, Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, filename)
	}

	f, err := os.Open(filepath.Join(c.dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			// The file vanished underneath a live entry (crash leftover or
			// external deletion); to the caller that is a missing artifact.
			delete(c.entries, filename)
			return nil, Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, filename)
		}
		return nil, Artifact{}, fmt.Errorf("failed to open artifact %s: %w", filename, err)
	}
	return f, a, nil
}

// SweepExpired removes every artifact past its expiration, file and index
// entry together under the catalog lock, so a concurrent List or Open never
// observes an entry whose file is already gone. Returns the removed count.
func (c *Catalog) SweepExpired() (int, error) {
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for name, a := range c.entries {
		if !a.Expired(now) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !os.IsNotExist(err) {
			logging.Error().Err(err).Str("filename", name).Msg("Failed to remove expired artifact")
			continue
		}
		delete(c.entries, name)
		removed++
		logging.Info().Str("filename", name).Time("expired_at", a.ExpiresAt).Msg("Expired artifact removed")
	}

	if removed > 0 {
		metrics.BackupsSwept.Add(float64(removed))
		metrics.BackupArtifacts.Set(float64(len(c.entries)))
		if err := c.persistLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Len returns the number of cataloged artifacts.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Serve runs the expiry sweeper until the context is canceled. Designed to
// sit under a suture supervisor.
func (c *Catalog) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.SweepExpired(); err != nil {
				logging.Error().Err(err).Msg("Backup sweep failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// persistLocked writes the index atomically. Caller holds c.mu.
func (c *Catalog) persistLocked() error {
	data, err := json.MarshalIndent(catalogDocument{Version: 1, Artifacts: c.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup metadata: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".metadata_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create metadata temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write backup metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync backup metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close backup metadata: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(c.dir, metadataFilename)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace backup metadata: %w", err)
	}
	return nil
}
