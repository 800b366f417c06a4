// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	ch chan Snapshot
}

func (s *captureSink) BroadcastStats(data interface{}) {
	if snap, ok := data.(Snapshot); ok {
		select {
		case s.ch <- snap:
		default:
		}
	}
}

func TestPublisherEmitsSnapshots(t *testing.T) {
	a := NewAggregator()
	a.RecordAdmitted()
	a.RecordAdmitted()

	sink := &captureSink{ch: make(chan Snapshot, 1)}
	p := NewPublisher(a, sink, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	select {
	case snap := <-sink.ch:
		assert.Equal(t, int64(2), snap.TotalAdmitted)
	case <-time.After(time.Second):
		t.Fatal("no stats broadcast before timeout")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPublisherDefaultInterval(t *testing.T) {
	p := NewPublisher(NewAggregator(), &captureSink{ch: make(chan Snapshot)}, 0)
	assert.Equal(t, DefaultPublishInterval, p.interval)
}
