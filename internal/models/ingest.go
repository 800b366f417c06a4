// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package models

import (
	"errors"
	"time"
)

// Devices in the field submit two JSON shapes:
//
//	modern: {"device_id", "latitude", "longitude", "timestamp", ...}
//	legacy: {"device_id", "lattitude", "longitude", "frame_time", "sat_tked", ...}
//
// IngestPayload accepts both and Normalize resolves them into one canonical
// Record before validation. The "lattitude" spelling is a firmware artifact
// that cannot be fixed device-side; it is resolved here at the adapter
// boundary and never leaks into the core or into exports.

// ErrMissingLatitude is returned when neither latitude spelling is present.
var ErrMissingLatitude = errors.New("payload missing latitude")

// ErrMissingLongitude is returned when longitude is absent.
var ErrMissingLongitude = errors.New("payload missing longitude")

// ErrConflictingLatitude is returned when both spellings are present with
// different values.
var ErrConflictingLatitude = errors.New("payload has conflicting latitude fields")

// IngestPayload is the tagged-variant wire shape for record submission.
type IngestPayload struct {
	ID             *int64     `json:"id"`
	DeviceID       string     `json:"device_id" validate:"required,min=1,max=50"`
	Latitude       *float64   `json:"latitude"`
	LatitudeLegacy *float64   `json:"lattitude"`
	Longitude      *float64   `json:"longitude"`
	FrameTime      *string    `json:"frame_time"`
	URL            *string    `json:"url"`
	SatTracked     *int       `json:"sat_tked"`
	Speed          *float64   `json:"speed"`
	Altitude       *float64   `json:"altitude"`
	Heading        *float64   `json:"heading"`
	Accuracy       *float64   `json:"accuracy"`
	Timestamp      *time.Time `json:"timestamp"`
	AdditionalData *string    `json:"additional_data"`
}

// Normalize resolves the payload into a canonical Record. The source
// timestamp defaults to now (UTC) when absent, matching device firmware that
// omits it. Storage ID and CreatedAt are assigned later by the record store.
func (p *IngestPayload) Normalize(now time.Time) (Record, error) {
	lat, err := p.resolveLatitude()
	if err != nil {
		return Record{}, err
	}
	if p.Longitude == nil {
		return Record{}, ErrMissingLongitude
	}

	ts := now.UTC()
	if p.Timestamp != nil {
		ts = p.Timestamp.UTC()
	}

	return Record{
		DeviceSequenceID: p.ID,
		DeviceID:         p.DeviceID,
		FrameTime:        p.FrameTime,
		Latitude:         lat,
		Longitude:        *p.Longitude,
		URL:              p.URL,
		SatTracked:       p.SatTracked,
		Speed:            p.Speed,
		Altitude:         p.Altitude,
		Heading:          p.Heading,
		Accuracy:         p.Accuracy,
		Timestamp:        ts,
		AdditionalData:   p.AdditionalData,
	}, nil
}

// resolveLatitude picks the latitude value from whichever spelling the
// payload used. Both present and equal is tolerated (some firmware sends
// both); both present and different is rejected.
func (p *IngestPayload) resolveLatitude() (float64, error) {
	switch {
	case p.Latitude != nil && p.LatitudeLegacy != nil:
		if *p.Latitude != *p.LatitudeLegacy {
			return 0, ErrConflictingLatitude
		}
		return *p.Latitude, nil
	case p.Latitude != nil:
		return *p.Latitude, nil
	case p.LatitudeLegacy != nil:
		return *p.LatitudeLegacy, nil
	default:
		return 0, ErrMissingLatitude
	}
}
