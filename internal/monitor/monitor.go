// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package monitor implements the capacity monitor: the retention engine that
// keeps the record store under its byte budget. Each cycle reads store usage,
// classifies it against the warning/emergency thresholds, and on breach runs
// a snapshot-then-purge: the oldest records are exported as a backup artifact
// first, and only deleted once the artifact is durably in place. A failed
// snapshot aborts the cycle with the store untouched.
package monitor

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/tomtom215/geostream/internal/backup"
	"github.com/tomtom215/geostream/internal/config"
	"github.com/tomtom215/geostream/internal/database"
	"github.com/tomtom215/geostream/internal/logging"
	"github.com/tomtom215/geostream/internal/metrics"
	"github.com/tomtom215/geostream/internal/models"
)

// State classifies store occupancy against the configured thresholds.
type State string

const (
	StateOK        State = "ok"
	StateWarning   State = "warning"
	StateEmergency State = "emergency"
)

// ErrCycleInFlight is returned when a cycle is requested while another is
// already running. Cycles never queue; the caller retries later.
var ErrCycleInFlight = errors.New("retention cycle already in flight")

// RecordStore is the slice of the database layer the monitor needs.
type RecordStore interface {
	CurrentUsage(ctx context.Context) (database.Usage, error)
	OldestRecords(ctx context.Context, n int) ([]models.Record, error)
	DeleteOldest(ctx context.Context, n int) (int64, error)
	InsertSystemStat(ctx context.Context, s database.SystemStat) error
}

// SnapshotWriter writes purge snapshots.
type SnapshotWriter interface {
	Write(ctx context.Context, records []models.Record, format string) (backup.Artifact, error)
}

// ArtifactCatalog registers written snapshots.
type ArtifactCatalog interface {
	Register(a backup.Artifact) error
}

// Broadcaster receives capacity events for live dashboards. Implementations
// must not block.
type Broadcaster interface {
	BroadcastCapacityEvent(data interface{})
}

// CycleResult describes one completed retention cycle. OldState and State
// together form the capacity transition the cycle observed; broadcast
// payloads carry both so dashboards can render entry into and recovery from
// the purge states.
type CycleResult struct {
	Timestamp time.Time      `json:"timestamp"`
	OldState  State          `json:"old_state"`
	State     State          `json:"new_state"`
	Usage     database.Usage `json:"usage"`

	// RecordsPurged is the number of records deleted this cycle.
	RecordsPurged int64 `json:"records_purged"`

	// Snapshot is the artifact written before the purge, nil when no purge
	// ran.
	Snapshot *backup.Artifact `json:"snapshot,omitempty"`
}

// Monitor runs retention cycles, scheduled and on demand through the same
// code path.
type Monitor struct {
	store       RecordStore
	writer      SnapshotWriter
	catalog     ArtifactCatalog
	broadcaster Broadcaster
	cfg         config.RetentionConfig

	// cycleMu enforces single-flight: a cycle that finds another in
	// progress returns ErrCycleInFlight instead of waiting.
	cycleMu sync.Mutex

	// lastState is the state of the previous cycle, read and written only
	// while cycleMu is held. Starts at OK.
	lastState State

	lastMu sync.RWMutex
	last   *CycleResult

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// New creates a monitor. broadcaster may be nil.
func New(store RecordStore, writer SnapshotWriter, catalog ArtifactCatalog,
	broadcaster Broadcaster, cfg config.RetentionConfig) *Monitor {
	return &Monitor{
		store:       store,
		writer:      writer,
		catalog:     catalog,
		broadcaster: broadcaster,
		cfg:         cfg,
		lastState:   StateOK,
		now:         time.Now,
	}
}

// classify maps a usage fraction to a capacity state.
func (m *Monitor) classify(fraction float64) State {
	switch {
	case fraction >= m.cfg.EmergencyThreshold:
		return StateEmergency
	case fraction >= m.cfg.WarningThreshold:
		return StateWarning
	default:
		return StateOK
	}
}

// purgeCount returns how many records a purge at the given state removes.
// At least one record is purged whenever the store is non-empty and a
// threshold is breached, so repeated cycles always make progress.
func (m *Monitor) purgeCount(records int64, state State) int {
	if records <= 0 {
		return 0
	}
	fraction := m.cfg.PurgeFractionWarning
	if state == StateEmergency {
		fraction = m.cfg.PurgeFractionEmergency
	}
	n := int(math.Ceil(float64(records) * fraction))
	if n < 1 {
		n = 1
	}
	return n
}

// Cycle runs one retention cycle. Exactly one cycle runs at a time; a
// concurrent call returns ErrCycleInFlight immediately. On any failure the
// store is left as the failing stage found it.
func (m *Monitor) Cycle(ctx context.Context) (CycleResult, error) {
	if !m.cycleMu.TryLock() {
		metrics.RetentionCycleErrors.WithLabelValues("busy").Inc()
		return CycleResult{}, ErrCycleInFlight
	}
	defer m.cycleMu.Unlock()

	usage, err := m.store.CurrentUsage(ctx)
	if err != nil {
		metrics.RetentionCycleErrors.WithLabelValues("usage").Inc()
		return CycleResult{}, err
	}

	state := m.classify(usage.Fraction)
	result := CycleResult{
		Timestamp: m.now().UTC(),
		OldState:  m.lastState,
		State:     state,
		Usage:     usage,
	}

	if state != StateOK {
		if err := m.purge(ctx, usage, state, &result); err != nil {
			return CycleResult{}, err
		}
		// Report post-purge occupancy; best effort, the purge already
		// succeeded.
		if after, err := m.store.CurrentUsage(ctx); err == nil {
			result.Usage = after
		}
	}

	m.finishCycle(ctx, result)
	return result, nil
}

// purge snapshots then deletes the oldest records. Order matters: the delete
// only runs after the artifact write returned, so purged data always has a
// durable export.
func (m *Monitor) purge(ctx context.Context, usage database.Usage, state State, result *CycleResult) error {
	n := m.purgeCount(usage.Records, state)
	if n == 0 {
		return nil
	}

	victims, err := m.store.OldestRecords(ctx, n)
	if err != nil {
		metrics.RetentionCycleErrors.WithLabelValues("snapshot").Inc()
		return err
	}

	artifact, err := m.writer.Write(ctx, victims, m.cfg.SnapshotFormat)
	if err != nil {
		metrics.RetentionCycleErrors.WithLabelValues("snapshot").Inc()
		logging.Error().Err(err).
			Str("state", string(state)).
			Int("records", len(victims)).
			Msg("Purge snapshot failed, store left untouched")
		return err
	}

	if m.catalog != nil {
		if err := m.catalog.Register(artifact); err != nil {
			// The artifact file exists; the catalog adopts it on restart.
			logging.Error().Err(err).Str("filename", artifact.Filename).
				Msg("Failed to register purge snapshot")
		}
	}

	deleted, err := m.store.DeleteOldest(ctx, n)
	if err != nil {
		metrics.RetentionCycleErrors.WithLabelValues("delete").Inc()
		return err
	}

	metrics.RecordsPurged.Add(float64(deleted))
	result.RecordsPurged = deleted
	result.Snapshot = &artifact

	logging.Warn().
		Str("state", string(state)).
		Float64("usage_fraction", usage.Fraction).
		Int64("records_purged", deleted).
		Str("snapshot", artifact.Filename).
		Msg("Capacity purge completed")
	return nil
}

// finishCycle records the outcome: metrics, stat history, last-result cache,
// and the capacity event broadcast. The event only fires when the cycle
// purged records or crossed a state boundary; steady-state OK cycles stay
// quiet. The stat row is written every cycle so the trend history has
// uniform sampling.
func (m *Monitor) finishCycle(ctx context.Context, result CycleResult) {
	m.lastState = result.State
	metrics.RetentionCycles.WithLabelValues(string(result.State)).Inc()

	stat := database.SystemStat{
		Timestamp:     result.Timestamp,
		TotalRecords:  result.Usage.Records,
		SizeBytes:     result.Usage.SizeBytes,
		UsageFraction: result.Usage.Fraction,
		CapacityState: string(result.State),
		RecordsPurged: result.RecordsPurged,
	}
	if err := m.store.InsertSystemStat(ctx, stat); err != nil {
		logging.Warn().Err(err).Msg("Failed to persist system stat")
	}

	m.lastMu.Lock()
	m.last = &result
	m.lastMu.Unlock()

	if m.broadcaster != nil && (result.RecordsPurged > 0 || result.OldState != result.State) {
		m.broadcaster.BroadcastCapacityEvent(result)
	}
}

// LastResult returns the most recent cycle outcome, if any cycle has run.
func (m *Monitor) LastResult() (CycleResult, bool) {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	if m.last == nil {
		return CycleResult{}, false
	}
	return *m.last, true
}

// Serve runs scheduled cycles until the context is canceled. Designed to sit
// under a suture supervisor.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.Cycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
				logging.Error().Err(err).Msg("Scheduled retention cycle failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
