// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package stats

import (
	"context"
	"time"
)

// DefaultPublishInterval is how often rate snapshots are broadcast to live
// clients unless configured otherwise.
const DefaultPublishInterval = 10 * time.Second

// Sink receives rate snapshots for live dashboards. Implementations must not
// block.
type Sink interface {
	BroadcastStats(data interface{})
}

// Publisher periodically pushes the aggregator's snapshot to a sink, feeding
// the stats_update stream on the websocket hub.
type Publisher struct {
	agg      *Aggregator
	sink     Sink
	interval time.Duration
}

// NewPublisher creates a publisher. A non-positive interval falls back to
// DefaultPublishInterval.
func NewPublisher(agg *Aggregator, sink Sink, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	return &Publisher{agg: agg, sink: sink, interval: interval}
}

// Serve broadcasts snapshots until the context is canceled. Designed to sit
// under a suture supervisor.
func (p *Publisher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sink.BroadcastStats(p.agg.Snapshot())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
