// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package websocket fans live telemetry out to dashboard clients: admitted
// positions as they arrive, periodic stats updates, and capacity events from
// the retention engine. Broadcasting never blocks the ingest path; a slow
// client drops messages rather than applying backpressure upstream.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/geostream/internal/logging"
	"github.com/tomtom215/geostream/internal/metrics"
	"github.com/tomtom215/geostream/internal/models"
)

// Message types for WebSocket communication.
const (
	MessageTypePosition      = "gps_position"
	MessageTypeStatsUpdate   = "stats_update"
	MessageTypeCapacityEvent = "capacity_event"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
)

// Message represents a WebSocket message.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Serve runs the hub until the context is canceled, then closes all clients.
// Designed to sit under a suture supervisor.
//
// Selection is priority-ordered so behavior stays predictable when multiple
// channels are ready: shutdown first, then client lifecycle, then broadcasts.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("websocket client disconnected")
}

// broadcastToClients sends a message to all connected clients in client-id
// order, so delivery order is deterministic. A client with a full send
// channel is disconnected rather than blocking the hub.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			metrics.WebSocketDropped.Inc()
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
	if len(toRemove) > 0 {
		metrics.WebSocketClients.Set(float64(len(h.clients)))
	}
}

// shutdown closes all clients in id order.
func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	count := len(clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(0)
	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", count).
		Msg("websocket hub stopped")
}

// enqueue offers a message to the broadcast channel without blocking.
func (h *Hub) enqueue(message Message) {
	select {
	case h.broadcast <- message:
	default:
		metrics.WebSocketDropped.Inc()
		logging.Warn().Str("type", message.Type).Msg("websocket broadcast channel full, message dropped")
	}
}

// BroadcastPosition sends an admitted record to all connected clients.
func (h *Hub) BroadcastPosition(rec models.RecordResponse) {
	h.enqueue(Message{Type: MessageTypePosition, Data: rec})
}

// BroadcastStats sends a stats update to all connected clients.
func (h *Hub) BroadcastStats(data interface{}) {
	h.enqueue(Message{Type: MessageTypeStatsUpdate, Data: data})
}

// BroadcastCapacityEvent sends a retention-cycle event to all connected clients.
func (h *Hub) BroadcastCapacityEvent(data interface{}) {
	h.enqueue(Message{Type: MessageTypeCapacityEvent, Data: data})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
