// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/geostream/internal/backup"
	"github.com/tomtom215/geostream/internal/config"
	"github.com/tomtom215/geostream/internal/database"
	"github.com/tomtom215/geostream/internal/logging"
	"github.com/tomtom215/geostream/internal/metrics"
	"github.com/tomtom215/geostream/internal/models"
	"github.com/tomtom215/geostream/internal/monitor"
	"github.com/tomtom215/geostream/internal/ratelimit"
	"github.com/tomtom215/geostream/internal/stats"
	"github.com/tomtom215/geostream/internal/validation"
)

// maxIngestBodyBytes caps ingest payload size; legitimate records are tiny.
const maxIngestBodyBytes = 16 << 10

// RecordStore is the slice of the database layer the handlers need.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec *models.Record) error
	QueryRecords(ctx context.Context, filter database.QueryFilter) ([]models.Record, error)
	OldestRecords(ctx context.Context, n int) ([]models.Record, error)
	CurrentUsage(ctx context.Context) (database.Usage, error)
	RecentSystemStats(ctx context.Context, limit int) ([]database.SystemStat, error)
	Ping(ctx context.Context) error
}

// Retention is the monitor surface exposed over HTTP.
type Retention interface {
	Cycle(ctx context.Context) (monitor.CycleResult, error)
	LastResult() (monitor.CycleResult, bool)
}

// SnapshotWriter writes manual backup artifacts.
type SnapshotWriter interface {
	Write(ctx context.Context, records []models.Record, format string) (backup.Artifact, error)
}

// ArtifactCatalog is the backup catalog surface exposed over HTTP.
type ArtifactCatalog interface {
	Register(a backup.Artifact) error
	List() []backup.Artifact
	Open(filename string) (*os.File, backup.Artifact, error)
	SweepExpired() (int, error)
}

// PositionBroadcaster fans admitted records out to live clients.
type PositionBroadcaster interface {
	BroadcastPosition(rec models.RecordResponse)
}

// Handler carries the dependencies for all HTTP handlers.
type Handler struct {
	store       RecordStore
	admitter    *ratelimit.Admitter
	retention   Retention
	writer      SnapshotWriter
	catalog     ArtifactCatalog
	broadcaster PositionBroadcaster
	rates       *stats.Aggregator
	cfg         *config.Config

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// NewHandler creates the handler set. broadcaster may be nil.
func NewHandler(store RecordStore, admitter *ratelimit.Admitter, retention Retention,
	writer SnapshotWriter, catalog ArtifactCatalog, broadcaster PositionBroadcaster,
	rates *stats.Aggregator, cfg *config.Config) *Handler {
	return &Handler{
		store:       store,
		admitter:    admitter,
		retention:   retention,
		writer:      writer,
		catalog:     catalog,
		broadcaster: broadcaster,
		rates:       rates,
		cfg:         cfg,
		now:         time.Now,
	}
}

// SubmitGPSData handles POST /api/gps/data: decode, normalize, validate,
// admit, store, broadcast. Validation runs before rate admission so a
// malformed submission never consumes a token.
func (h *Handler) SubmitGPSData(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	now := h.now().UTC()

	var payload models.IngestPayload
	body := http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		metrics.IngestRejected.WithLabelValues("decode").Inc()
		rw.BadRequest("invalid JSON payload: " + err.Error())
		return
	}

	rec, err := payload.Normalize(now)
	if err != nil {
		metrics.IngestRejected.WithLabelValues("validation").Inc()
		rw.UnprocessableEntity("invalid GPS payload", []validation.FieldError{
			{Field: "latitude", Message: err.Error()},
		})
		return
	}

	if err := validation.ValidateRecord(&rec, now); err != nil {
		metrics.IngestRejected.WithLabelValues("validation").Inc()
		var verr *validation.RecordValidationError
		if errors.As(err, &verr) {
			rw.UnprocessableEntity("GPS record failed validation", verr.Fields)
			return
		}
		rw.BadRequest(err.Error())
		return
	}

	if decision := h.admitter.Admit(rec.DeviceID); !decision.Allowed {
		retryAfter := decision.RetryAfter.Seconds()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter))))
		rw.ErrorWithDetails(http.StatusTooManyRequests, ErrCodeTooManyRequests,
			"device rate limit exceeded", map[string]interface{}{
				"device_id":           rec.DeviceID,
				"retry_after_seconds": math.Round(retryAfter*1000) / 1000,
			})
		return
	}

	if err := h.store.InsertRecord(r.Context(), &rec); err != nil {
		metrics.IngestRejected.WithLabelValues("store").Inc()
		logging.Error().Err(err).Str("device_id", rec.DeviceID).Msg("Failed to store record")
		rw.Error(http.StatusInternalServerError, ErrCodeDatabaseError, "failed to store record")
		return
	}

	h.rates.RecordAdmitted()
	response := models.NewRecordResponse(rec)
	if h.broadcaster != nil {
		h.broadcaster.BroadcastPosition(response)
	}

	rw.Created(response)
}

// QueryGPSData handles GET /api/gps/data with device, time-range, and
// pagination filters.
func (h *Handler) QueryGPSData(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := r.URL.Query()

	filter := database.QueryFilter{DeviceID: q.Get("device_id")}

	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			rw.BadRequest("start_time must be RFC3339")
			return
		}
		filter.StartTime = &t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			rw.BadRequest("end_time must be RFC3339")
			return
		}
		filter.EndTime = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			rw.BadRequest("limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			rw.BadRequest("offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	records, err := h.store.QueryRecords(r.Context(), filter)
	if err != nil {
		logging.Error().Err(err).Msg("Record query failed")
		rw.Error(http.StatusInternalServerError, ErrCodeDatabaseError, "failed to query records")
		return
	}

	responses := make([]models.RecordResponse, 0, len(records))
	for _, rec := range records {
		responses = append(responses, models.NewRecordResponse(rec))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = database.DefaultQueryLimit
	} else if limit > database.MaxQueryLimit {
		limit = database.MaxQueryLimit
	}

	rw.SuccessWithPagination(responses, &PaginationMeta{
		Count:   len(responses),
		Offset:  filter.Offset,
		Limit:   limit,
		HasMore: len(responses) == limit,
	})
}

// systemStatsResponse is the GET /api/system/stats payload.
type systemStatsResponse struct {
	// Status is the presentation status: OK, MODERATE, WARNING, EMERGENCY.
	// MODERATE is an early-attention band below the warning threshold; the
	// retention engine itself only acts on WARNING and EMERGENCY.
	Status    string                `json:"status"`
	Usage     database.Usage        `json:"usage"`
	Rates     stats.Snapshot        `json:"rates"`
	LastCycle *monitor.CycleResult  `json:"last_cycle,omitempty"`
	History   []database.SystemStat `json:"history,omitempty"`
}

// moderateThreshold is where the stats endpoint starts flagging occupancy,
// ahead of any retention action.
const moderateThreshold = 0.75

// presentationStatus maps a usage fraction to the dashboard status string.
func (h *Handler) presentationStatus(fraction float64) string {
	switch {
	case fraction >= h.cfg.Retention.EmergencyThreshold:
		return "EMERGENCY"
	case fraction >= h.cfg.Retention.WarningThreshold:
		return "WARNING"
	case fraction >= moderateThreshold:
		return "MODERATE"
	default:
		return "OK"
	}
}

// SystemStats handles GET /api/system/stats.
func (h *Handler) SystemStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	usage, err := h.store.CurrentUsage(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Usage query failed")
		rw.Error(http.StatusInternalServerError, ErrCodeDatabaseError, "failed to read store usage")
		return
	}

	resp := systemStatsResponse{
		Status: h.presentationStatus(usage.Fraction),
		Usage:  usage,
		Rates:  h.rates.Snapshot(),
	}
	if last, ok := h.retention.LastResult(); ok {
		resp.LastCycle = &last
	}
	if history, err := h.store.RecentSystemStats(r.Context(), 10); err == nil {
		resp.History = history
	}

	rw.Success(resp)
}

// TriggerCleanup handles POST /api/system/cleanup: run a retention cycle on
// demand through the same single-flight path as the scheduler.
func (h *Handler) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	result, err := h.retention.Cycle(r.Context())
	if errors.Is(err, monitor.ErrCycleInFlight) {
		rw.Conflict("a retention cycle is already running")
		return
	}
	if err != nil {
		logging.Error().Err(err).Msg("Manual retention cycle failed")
		rw.InternalError("retention cycle failed")
		return
	}

	rw.Accepted(result)
}

// CreateBackup handles POST /api/backup/create: export the full store as an
// artifact, oldest records first.
func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	format := r.URL.Query().Get("format")
	if format == "" {
		format = backup.FormatJSON
	}
	if format != backup.FormatJSON && format != backup.FormatCSV {
		rw.BadRequest("format must be json or csv")
		return
	}

	usage, err := h.store.CurrentUsage(r.Context())
	if err != nil {
		rw.Error(http.StatusInternalServerError, ErrCodeDatabaseError, "failed to read store usage")
		return
	}

	var records []models.Record
	if usage.Records > 0 {
		records, err = h.store.OldestRecords(r.Context(), int(usage.Records))
		if err != nil {
			rw.Error(http.StatusInternalServerError, ErrCodeDatabaseError, "failed to read records")
			return
		}
	}

	artifact, err := h.writer.Write(r.Context(), records, format)
	if err != nil {
		logging.Error().Err(err).Msg("Manual backup failed")
		rw.InternalError("failed to write backup")
		return
	}
	if err := h.catalog.Register(artifact); err != nil {
		logging.Error().Err(err).Str("filename", artifact.Filename).Msg("Failed to register backup")
	}

	rw.Created(artifact)
}

// ListBackups handles GET /api/backup/files.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	artifacts := h.catalog.List()
	rw.SuccessWithPagination(artifacts, &PaginationMeta{Count: len(artifacts)})
}

// DownloadBackup handles GET /api/backup/files/{filename}. The catalog
// validates the filename before any filesystem access.
func (h *Handler) DownloadBackup(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	filename := chi.URLParam(r, "filename")

	f, artifact, err := h.catalog.Open(filename)
	if errors.Is(err, backup.ErrInvalidFilename) {
		rw.BadRequest("invalid backup filename")
		return
	}
	if errors.Is(err, backup.ErrArtifactNotFound) {
		rw.NotFound("backup not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("filename", filename).Msg("Backup open failed")
		rw.InternalError("failed to open backup")
		return
	}
	defer func() { _ = f.Close() }()

	contentType := "application/json"
	if artifact.Format == backup.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Filename+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))

	if _, err := io.Copy(w, f); err != nil {
		logging.Error().Err(err).Str("filename", filename).Msg("Backup download interrupted")
	}
}

// CleanupBackups handles POST /api/backup/cleanup: remove expired artifacts
// immediately instead of waiting for the sweeper.
func (h *Handler) CleanupBackups(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	removed, err := h.catalog.SweepExpired()
	if err != nil {
		logging.Error().Err(err).Msg("Backup cleanup failed")
		rw.InternalError("failed to clean up backups")
		return
	}

	rw.Success(map[string]int{"removed": removed})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := h.store.Ping(r.Context()); err != nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeInternalError, "database unavailable")
		return
	}
	rw.Success(map[string]string{"status": "ok"})
}
