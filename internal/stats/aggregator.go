// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package stats derives rolling request-rate metrics from admitted writes.
//
// The aggregator keeps one counter per second in a fixed ring covering the
// last hour. Incrementing and snapshotting are O(1) and O(window) with no
// allocation, so the hot ingest path pays almost nothing. State is purely
// in-memory; rates are a monitoring aid and reset on restart.
package stats

import (
	"sync"
	"time"
)

// windowSeconds is the ring horizon. An hour covers every rate the API
// reports (per-minute, per-5-minutes, per-hour).
const windowSeconds = 3600

// Snapshot is a point-in-time view of request-rate metrics.
type Snapshot struct {
	// RecordsLastMinute is the count of admitted writes in the last 60s.
	RecordsLastMinute int64 `json:"records_last_minute"`

	// RecordsLast5Minutes is the count in the last 300s.
	RecordsLast5Minutes int64 `json:"records_last_5_minutes"`

	// RecordsLastHour is the count in the last 3600s.
	RecordsLastHour int64 `json:"records_last_hour"`

	// AvgPerMinute is the per-minute average over the last 10 minutes.
	AvgPerMinute float64 `json:"avg_per_minute"`

	// TotalAdmitted is the process-lifetime admitted count.
	TotalAdmitted int64 `json:"total_admitted"`
}

// cell is one second of the ring. sec identifies which absolute second the
// count belongs to, so stale cells are detected lazily without a sweeper.
type cell struct {
	sec   int64
	count int64
}

// Aggregator maintains the rolling counters. Safe for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	ring  [windowSeconds]cell
	total int64

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{now: time.Now}
}

// RecordAdmitted counts one admitted write in the current second.
func (a *Aggregator) RecordAdmitted() {
	sec := a.now().Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	c := &a.ring[sec%windowSeconds]
	if c.sec != sec {
		c.sec = sec
		c.count = 0
	}
	c.count++
	a.total++
}

// SnapshotAt computes rates as of the given instant.
func (a *Aggregator) SnapshotAt(now time.Time) Snapshot {
	sec := now.Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	var lastMinute, last5, last10, lastHour int64
	for i := int64(0); i < windowSeconds && i <= sec; i++ {
		c := &a.ring[(sec-i)%windowSeconds]
		if c.sec != sec-i {
			continue // stale cell from a previous hour
		}
		lastHour += c.count
		if i < 600 {
			last10 += c.count
		}
		if i < 300 {
			last5 += c.count
		}
		if i < 60 {
			lastMinute += c.count
		}
	}

	return Snapshot{
		RecordsLastMinute:   lastMinute,
		RecordsLast5Minutes: last5,
		RecordsLastHour:     lastHour,
		AvgPerMinute:        float64(last10) / 10,
		TotalAdmitted:       a.total,
	}
}

// Snapshot computes rates as of now.
func (a *Aggregator) Snapshot() Snapshot {
	return a.SnapshotAt(a.now())
}
