// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package validation implements the record validation gate using
// go-playground/validator v10. It is a thread-safe singleton validator with
// custom validators for GPS-specific rules, applied before rate admission.
//
// Rules enforced:
//   - coordinate bounds (lat -90..90, lon -180..180), exact 0.0 rejected
//     (Null Island indicates a bad GPS fix)
//   - speed 0..720 km/h, altitude -1000..10000 m, heading 0..<360,
//     accuracy 0..10000 m, satellites tracked 0..50
//   - source timestamp at most 1 hour in the future and at most 7 days old
//   - additional_data must be valid JSON, at most 1000 chars
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/geostream/internal/models"
)

const (
	// MaxFutureSkew is how far a source timestamp may lead server time
	// before it is rejected as a clock-sync failure.
	MaxFutureSkew = time.Hour

	// MaxAge is how old a source timestamp may be before the record is
	// rejected as stale.
	MaxAge = 7 * 24 * time.Hour
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError describes a single failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RecordValidationError aggregates the field errors for a rejected record.
type RecordValidationError struct {
	Fields []FieldError
}

// Error implements the error interface with a combined message.
func (e *RecordValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return strings.Join(msgs, "; ")
}

// Get returns the singleton validator, initializing it on first use.
// The instance caches struct metadata and is safe for concurrent use.
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Exact 0.0 coordinates mean the receiver never got a fix.
		//nolint:errcheck // registration only fails for empty tag names
		validate.RegisterValidation("nonzero_coord", func(fl validator.FieldLevel) bool {
			return fl.Field().Float() != 0.0
		})
	})
	return validate
}

// ValidateRecord applies the full validation gate to a normalized record.
// Returns a *RecordValidationError listing every failed field, or nil when
// the record passes. now is the server clock reading used for the timestamp
// window checks.
func ValidateRecord(rec *models.Record, now time.Time) error {
	var fields []FieldError

	if err := Get().Struct(rec); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("record validation: %w", err)
		}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, FieldError{
					Field:   fe.Field(),
					Message: describeFieldError(fe),
				})
			}
		}
	}

	if fe, ok := checkTimestamp(rec.Timestamp, now); !ok {
		fields = append(fields, fe)
	}

	if len(fields) > 0 {
		return &RecordValidationError{Fields: fields}
	}
	return nil
}

// checkTimestamp enforces the timestamp reasonableness window.
func checkTimestamp(ts, now time.Time) (FieldError, bool) {
	if ts.After(now.Add(MaxFutureSkew)) {
		return FieldError{
			Field:   "Timestamp",
			Message: "timestamp too far in the future, check device clock sync",
		}, false
	}
	if ts.Before(now.Add(-MaxAge)) {
		return FieldError{
			Field:   "Timestamp",
			Message: "timestamp older than 7 days, data is stale",
		}, false
	}
	return FieldError{}, true
}

// describeFieldError maps a validator error to a human-readable message.
func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "nonzero_coord":
		return fmt.Sprintf("exact 0.0 %s is suspicious, check GPS fix quality", strings.ToLower(fe.Field()))
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be < %s", fe.Field(), fe.Param())
	case "json":
		return fmt.Sprintf("%s must be valid JSON", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
