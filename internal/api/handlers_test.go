// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/geostream/internal/backup"
	"github.com/tomtom215/geostream/internal/config"
	"github.com/tomtom215/geostream/internal/database"
	"github.com/tomtom215/geostream/internal/models"
	"github.com/tomtom215/geostream/internal/monitor"
	"github.com/tomtom215/geostream/internal/ratelimit"
	"github.com/tomtom215/geostream/internal/stats"
)

type fakeStore struct {
	mu      sync.Mutex
	records []models.Record
	nextID  int64

	usage     database.Usage
	usageSet  bool
	insertErr error
	pingErr   error
	history   []database.SystemStat
}

func (f *fakeStore) InsertRecord(_ context.Context, rec *models.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.nextID++
	rec.ID = f.nextID
	rec.CreatedAt = time.Now().UTC()
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeStore) QueryRecords(_ context.Context, filter database.QueryFilter) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = database.DefaultQueryLimit
	} else if limit > database.MaxQueryLimit {
		limit = database.MaxQueryLimit
	}

	var out []models.Record
	for i := len(f.records) - 1; i >= 0; i-- { // newest first
		rec := f.records[i]
		if filter.DeviceID != "" && rec.DeviceID != filter.DeviceID {
			continue
		}
		if filter.StartTime != nil && rec.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && rec.Timestamp.After(*filter.EndTime) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) OldestRecords(_ context.Context, n int) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.records) {
		n = len(f.records)
	}
	return f.records[:n], nil
}

func (f *fakeStore) CurrentUsage(_ context.Context) (database.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usageSet {
		return f.usage, nil
	}
	return database.Usage{Records: int64(len(f.records)), BudgetBytes: 100 << 20}, nil
}

func (f *fakeStore) RecentSystemStats(_ context.Context, _ int) ([]database.SystemStat, error) {
	return f.history, nil
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

type fakeRetention struct {
	result monitor.CycleResult
	err    error
	last   *monitor.CycleResult
}

func (f *fakeRetention) Cycle(_ context.Context) (monitor.CycleResult, error) {
	if f.err != nil {
		return monitor.CycleResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeRetention) LastResult() (monitor.CycleResult, bool) {
	if f.last == nil {
		return monitor.CycleResult{}, false
	}
	return *f.last, true
}

type testEnv struct {
	store     *fakeStore
	retention *fakeRetention
	catalog   *backup.Catalog
	handler   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Backup.Dir = t.TempDir()
	cfg.Server.RateLimitDisabled = true

	store := &fakeStore{}
	retention := &fakeRetention{}

	writer, err := backup.NewWriter(cfg.Backup.Dir, cfg.Backup.Expiration)
	require.NoError(t, err)
	catalog, err := backup.NewCatalog(cfg.Backup.Dir, cfg.Backup.Expiration, cfg.Backup.SweepInterval)
	require.NoError(t, err)

	admitter := ratelimit.NewAdmitter(1.0, 1)
	h := NewHandler(store, admitter, retention, writer, catalog, nil, stats.NewAggregator(), cfg)

	return &testEnv{
		store:     store,
		retention: retention,
		catalog:   catalog,
		handler:   NewRouter(h).Setup(),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func dataMap(t *testing.T, resp APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is not an object: %T", resp.Data)
	return m
}

func TestSubmitModernPayload(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"device_id":"dev-1","latitude":51.5,"longitude":-0.12,"speed":36.0}`)
	rec := env.do(t, http.MethodPost, "/api/gps/data", body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)

	data := dataMap(t, resp)
	assert.Equal(t, "dev-1", data["device_id"])
	assert.Equal(t, 51.5, data["latitude"])
	assert.InDelta(t, 10.0, data["speed_ms"], 0.01)
	assert.Equal(t, float64(1), data["id"])
}

func TestSubmitLegacyPayload(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"device_id":"dev-1","lattitude":48.85,"longitude":2.35,"frame_time":"10:32:01","sat_tked":7}`)
	rec := env.do(t, http.MethodPost, "/api/gps/data", body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := dataMap(t, decodeEnvelope(t, rec))
	// The legacy spelling is resolved at the boundary.
	assert.Equal(t, 48.85, data["latitude"])
	assert.NotContains(t, data, "lattitude")
	assert.Equal(t, float64(7), data["sat_tked"])
}

func TestSubmitMissingLatitude(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/gps/data",
		[]byte(`{"device_id":"dev-1","longitude":2.35}`))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeValidationFailed, resp.Error.Code)
}

func TestSubmitOutOfRangeCoordinates(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/gps/data",
		[]byte(`{"device_id":"dev-1","latitude":95.0,"longitude":2.35}`))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeValidationFailed, resp.Error.Code)
	assert.NotNil(t, resp.Error.Details)
}

func TestSubmitNullIslandRejected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/gps/data",
		[]byte(`{"device_id":"dev-1","latitude":0.0,"longitude":0.0}`))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitMalformedJSON(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/gps/data", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"device_id":"dev-1","latitude":51.5,"longitude":-0.12}`)

	first := env.do(t, http.MethodPost, "/api/gps/data", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := env.do(t, http.MethodPost, "/api/gps/data", body)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	resp := decodeEnvelope(t, second)
	require.NotNil(t, resp.Error)
	details, ok := resp.Error.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Positive(t, details["retry_after_seconds"])

	// A different device has its own bucket.
	other := env.do(t, http.MethodPost, "/api/gps/data",
		[]byte(`{"device_id":"dev-2","latitude":51.5,"longitude":-0.12}`))
	assert.Equal(t, http.StatusCreated, other.Code)

	// A rejected submission consumed no token: validation errors for dev-3
	// repeated many times never trip its limiter.
	for i := 0; i < 5; i++ {
		bad := env.do(t, http.MethodPost, "/api/gps/data",
			[]byte(`{"device_id":"dev-3","longitude":-0.12}`))
		assert.Equal(t, http.StatusUnprocessableEntity, bad.Code)
	}
	good := env.do(t, http.MethodPost, "/api/gps/data",
		[]byte(`{"device_id":"dev-3","latitude":1.0,"longitude":-0.12}`))
	assert.Equal(t, http.StatusCreated, good.Code)
}

func TestQueryGPSData(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	for i, device := range []string{"a", "a", "b"} {
		env.store.records = append(env.store.records, models.Record{
			ID: int64(i + 1), DeviceID: device, Latitude: 1, Longitude: 2,
			Timestamp: now, CreatedAt: now,
		})
	}

	rec := env.do(t, http.MethodGet, "/api/gps/data?device_id=a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEnvelope(t, rec)
	list, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 2)
	require.NotNil(t, resp.Meta.Pagination)
	assert.Equal(t, 2, resp.Meta.Pagination.Count)
	assert.False(t, resp.Meta.Pagination.HasMore)
}

func TestQueryGPSDataBadParams(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/api/gps/data?start_time=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/api/gps/data?limit=ten", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodGet, "/api/gps/data?offset=-1", nil).Code)
}

func TestSystemStatsStatus(t *testing.T) {
	tests := []struct {
		fraction float64
		status   string
	}{
		{0.10, "OK"},
		{0.80, "MODERATE"},
		{0.91, "WARNING"},
		{0.97, "EMERGENCY"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.usageSet = true
			env.store.usage = database.Usage{Records: 10, Fraction: tt.fraction, BudgetBytes: 100 << 20}

			rec := env.do(t, http.MethodGet, "/api/system/stats", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			data := dataMap(t, decodeEnvelope(t, rec))
			assert.Equal(t, tt.status, data["status"])
			assert.Contains(t, data, "rates")
			assert.Contains(t, data, "usage")
		})
	}
}

func TestTriggerCleanup(t *testing.T) {
	env := newTestEnv(t)
	env.retention.result = monitor.CycleResult{State: monitor.StateOK}

	rec := env.do(t, http.MethodPost, "/api/system/cleanup", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	data := dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, "ok", data["new_state"])
}

func TestTriggerCleanupConflict(t *testing.T) {
	env := newTestEnv(t)
	env.retention.err = monitor.ErrCycleInFlight

	rec := env.do(t, http.MethodPost, "/api/system/cleanup", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, ErrCodeConflict, resp.Error.Code)
}

func TestTriggerCleanupFailure(t *testing.T) {
	env := newTestEnv(t)
	env.retention.err = errors.New("usage read failed")

	rec := env.do(t, http.MethodPost, "/api/system/cleanup", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBackupCreateListDownload(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	env.store.records = []models.Record{
		{ID: 1, DeviceID: "a", Latitude: 1, Longitude: 2, Timestamp: now, CreatedAt: now},
	}

	created := env.do(t, http.MethodPost, "/api/backup/create", nil)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	data := dataMap(t, decodeEnvelope(t, created))
	filename, ok := data["filename"].(string)
	require.True(t, ok)
	assert.True(t, backup.ValidFilename(filename))
	assert.Equal(t, float64(1), data["record_count"])

	listed := env.do(t, http.MethodGet, "/api/backup/files", nil)
	require.Equal(t, http.StatusOK, listed.Code)
	resp := decodeEnvelope(t, listed)
	list, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 1)

	download := env.do(t, http.MethodGet, "/api/backup/files/"+filename, nil)
	require.Equal(t, http.StatusOK, download.Code)
	assert.Equal(t, "application/json", download.Header().Get("Content-Type"))
	assert.Contains(t, download.Header().Get("Content-Disposition"), filename)
	assert.Contains(t, download.Body.String(), `"latitude"`)
}

func TestBackupCreateCSV(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/api/backup/create?format=csv", nil)
	require.Equal(t, http.StatusCreated, created.Code)
	data := dataMap(t, decodeEnvelope(t, created))
	assert.Equal(t, "csv", data["format"])
}

func TestBackupCreateBadFormat(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/backup/create?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackupDownloadRejectsBadNames(t *testing.T) {
	env := newTestEnv(t)

	invalid := env.do(t, http.MethodGet, "/api/backup/files/metadata.json", nil)
	assert.Equal(t, http.StatusBadRequest, invalid.Code)

	missing := env.do(t, http.MethodGet, "/api/backup/files/gps_backup_20260825_120000.json", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestBackupCleanup(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/backup/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, decodeEnvelope(t, rec))
	assert.Equal(t, float64(0), data["removed"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	ok := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, ok.Code)

	env.store.pingErr = errors.New("connection lost")
	down := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, down.Code)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, "trace-me", rr.Header().Get("X-Request-ID"))
}
