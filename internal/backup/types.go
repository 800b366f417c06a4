// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package backup implements snapshot artifacts and their expiring catalog.
//
// An artifact is a point-in-time export of records about to be purged (or
// requested manually), written as JSON or CSV. The catalog is the durable
// index over the artifact directory: it survives restarts via a metadata
// file, serves listings and downloads, and sweeps artifacts past their
// expiration.
package backup

import (
	"errors"
	"regexp"
	"time"
)

// Artifact formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// DefaultExpiration is how long an artifact is retained unless configured
// otherwise.
const DefaultExpiration = 24 * time.Hour

// filenamePattern is the only filename shape the catalog will touch on disk.
// Anything else (traversal attempts included) is rejected before any
// filesystem access.
var filenamePattern = regexp.MustCompile(`^gps_backup_\d{8}_\d{6}(_\d+)?\.(json|csv)$`)

var (
	// ErrInvalidFilename is returned for filenames outside filenamePattern.
	ErrInvalidFilename = errors.New("invalid backup filename")

	// ErrArtifactNotFound is returned when a filename is well-formed but
	// not present in the catalog.
	ErrArtifactNotFound = errors.New("backup artifact not found")

	// ErrUnsupportedFormat is returned for formats other than json or csv.
	ErrUnsupportedFormat = errors.New("unsupported backup format")
)

// Artifact describes one snapshot file in the catalog.
type Artifact struct {
	Filename    string    `json:"filename"`
	Format      string    `json:"format"`
	RecordCount int       `json:"record_count"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the artifact is past its expiration at now.
func (a Artifact) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// ValidFilename reports whether name is a well-formed artifact filename.
func ValidFilename(name string) bool {
	return filenamePattern.MatchString(name)
}
