// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/geostream/internal/logging"
	"github.com/tomtom215/geostream/internal/websocket"
)

// Router builds the HTTP handler tree.
type Router struct {
	handler *Handler
	hub     *websocket.Hub
}

// NewRouter creates a router. hub may be nil, in which case /ws is not
// registered.
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// WithHub enables the websocket endpoint.
func (rt *Router) WithHub(hub *websocket.Hub) *Router {
	rt.hub = hub
	return rt
}

// Setup wires all routes and middleware.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(AccessLog())
	r.Use(CORS(rt.handler.cfg.Server.CORSOrigins))

	r.Get("/health", rt.handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(IPRateLimit(rt.handler.cfg.Server))

		r.Route("/gps", func(r chi.Router) {
			r.Post("/data", rt.handler.SubmitGPSData)
			r.Get("/data", rt.handler.QueryGPSData)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/stats", rt.handler.SystemStats)
			r.Post("/cleanup", rt.handler.TriggerCleanup)
		})

		r.Route("/backup", func(r chi.Router) {
			r.Post("/create", rt.handler.CreateBackup)
			r.Get("/files", rt.handler.ListBackups)
			r.Get("/files/{filename}", rt.handler.DownloadBackup)
			r.Post("/cleanup", rt.handler.CleanupBackups)
		})
	})

	if rt.hub != nil {
		r.Get("/ws", rt.serveWS)
	}

	return r
}

// serveWS upgrades the connection and hands it to the hub.
func (rt *Router) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := gorillaws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     rt.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	websocket.NewClient(rt.hub, conn).Start()
}

// checkOrigin applies the configured CORS origins to websocket upgrades.
func (rt *Router) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range rt.handler.cfg.Server.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
