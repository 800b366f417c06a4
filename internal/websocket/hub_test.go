// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/geostream/internal/models"
)

// newFakeClient builds a hub-registered client without a real connection.
func newFakeClient(buffer int) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		send: make(chan Message, buffer),
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := NewHub()
	c1 := newFakeClient(4)
	c2 := newFakeClient(4)
	h.clients[c1] = true
	h.clients[c2] = true

	h.broadcastToClients(Message{Type: MessageTypePosition, Data: "x"})

	for _, c := range []*Client{c1, c2} {
		select {
		case msg := <-c.send:
			assert.Equal(t, MessageTypePosition, msg.Type)
		default:
			t.Fatal("client did not receive broadcast")
		}
	}
}

func TestBroadcastDropsSlowClient(t *testing.T) {
	h := NewHub()
	slow := newFakeClient(1)
	slow.send <- Message{Type: MessageTypePing} // fill the channel
	fast := newFakeClient(4)
	h.clients[slow] = true
	h.clients[fast] = true

	h.broadcastToClients(Message{Type: MessageTypeStatsUpdate})

	assert.Equal(t, 1, h.ClientCount(), "slow client must be disconnected")
	_, stillThere := h.clients[fast]
	assert.True(t, stillThere)

	// The slow client's channel is closed so its writePump terminates.
	<-slow.send // drain the pre-filled message
	_, open := <-slow.send
	assert.False(t, open)
}

func TestServeLifecycle(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()

	c := newFakeClient(4)
	c.hub = h
	h.Register <- c

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	h.BroadcastPosition(models.NewRecordResponse(models.Record{DeviceID: "d1", Latitude: 1, Longitude: 2}))

	select {
	case msg := <-c.send:
		assert.Equal(t, MessageTypePosition, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestEnqueueNeverBlocks(t *testing.T) {
	h := NewHub() // not running, so the broadcast channel fills up

	for i := 0; i < 300; i++ {
		h.BroadcastStats(i)
	}
	// Channel capacity is 256; the rest were dropped without blocking.
	assert.Len(t, h.broadcast, 256)
}
