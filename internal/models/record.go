// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package models defines the canonical GPS record shape and the wire-format
// adapter that normalizes the two observed ingest payload schemas.
package models

import (
	"math"
	"time"
)

// Record is the canonical GPS telemetry record. It is immutable once stored;
// the storage identifier is assigned by the record store on insert and is
// strictly increasing.
type Record struct {
	// ID is the storage identifier, assigned on insert.
	ID int64 `json:"id"`

	// DeviceSequenceID is the device-local sequence number, if reported.
	DeviceSequenceID *int64 `json:"device_sequence_id,omitempty"`

	// DeviceID identifies the reporting device (1-50 chars).
	DeviceID string `json:"device_id" validate:"required,min=1,max=50"`

	// FrameTime is the raw device frame timestamp string (legacy payloads).
	FrameTime *string `json:"frame_time,omitempty"`

	// Latitude in decimal degrees, -90 to +90.
	Latitude float64 `json:"latitude" validate:"gte=-90,lte=90,nonzero_coord"`

	// Longitude in decimal degrees, -180 to +180.
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180,nonzero_coord"`

	// URL is an optional map link reported by the device.
	URL *string `json:"url,omitempty"`

	// SatTracked is the number of satellites tracked (legacy payloads).
	SatTracked *int `json:"sat_tked,omitempty" validate:"omitempty,gte=0,lte=50"`

	// Speed in km/h.
	Speed *float64 `json:"speed,omitempty" validate:"omitempty,gte=0,lte=720"`

	// Altitude in meters.
	Altitude *float64 `json:"altitude,omitempty" validate:"omitempty,gte=-1000,lte=10000"`

	// Heading in degrees, 0 inclusive to 360 exclusive.
	Heading *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`

	// Accuracy is the GPS accuracy estimate in meters.
	Accuracy *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0,lte=10000"`

	// Timestamp is the source (device) timestamp.
	Timestamp time.Time `json:"timestamp"`

	// CreatedAt is the server-assigned creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// AdditionalData is an opaque JSON payload, unparsed by the core.
	AdditionalData *string `json:"additional_data,omitempty" validate:"omitempty,max=1000,json"`
}

// SpeedMS returns the speed converted to m/s, or nil if speed is unset.
func (r *Record) SpeedMS() *float64 {
	if r.Speed == nil {
		return nil
	}
	ms := math.Round(*r.Speed/3.6*100) / 100
	return &ms
}

// DistanceFromOrigin returns the great-circle distance from (0,0) in km,
// rounded to two decimals.
func (r *Record) DistanceFromOrigin() float64 {
	const earthRadiusKm = 6371

	latRad := r.Latitude * math.Pi / 180
	lonRad := r.Longitude * math.Pi / 180

	a := math.Pow(math.Sin(latRad/2), 2) +
		math.Cos(latRad)*math.Pow(math.Sin(lonRad/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return math.Round(earthRadiusKm*c*100) / 100
}

// RecordResponse is the API output shape for a stored record. It carries the
// canonical fields plus derived values computed at the serialization boundary.
type RecordResponse struct {
	Record

	// SpeedMS is the speed converted from km/h to m/s.
	SpeedMS *float64 `json:"speed_ms,omitempty"`

	// DistanceFromOrigin is the great-circle distance from (0,0) in km.
	DistanceFromOrigin float64 `json:"distance_from_origin"`
}

// NewRecordResponse builds the API response shape for a stored record.
func NewRecordResponse(r Record) RecordResponse {
	return RecordResponse{
		Record:             r,
		SpeedMS:            r.SpeedMS(),
		DistanceFromOrigin: r.DistanceFromOrigin(),
	}
}

// CSVHeader lists the column names for CSV exports, one per Record attribute.
// Exports always spell the coordinate field "latitude" regardless of which
// wire shape the record arrived in.
var CSVHeader = []string{
	"id", "device_sequence_id", "device_id", "frame_time", "latitude",
	"longitude", "url", "sat_tked", "speed", "altitude", "heading",
	"accuracy", "timestamp", "created_at", "additional_data",
}
