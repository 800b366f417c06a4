// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

// Package ratelimit implements the per-source admission gate for record
// ingestion: one token bucket per source key, sustained refill rate R with
// burst capacity C, built on golang.org/x/time/rate.
//
// Admission never blocks. A rejected request carries the time until the next
// token so the caller can surface a Retry-After signal. Buckets are created
// lazily on first use and evicted after an idle timeout so a large, churning
// device fleet does not grow the map without bound.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/geostream/internal/metrics"
)

// Default bucket parameters: 1 request/second sustained with a burst of 5,
// matching the ingest contract devices are built against.
const (
	DefaultRatePerSecond = 1.0
	DefaultBurst         = 5

	// defaultIdleTimeout is how long an untouched bucket survives before
	// the sweeper evicts it.
	defaultIdleTimeout = time.Hour

	// sweepInterval is how often idle buckets are collected.
	sweepInterval = 10 * time.Minute
)

// Decision is the result of an admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// RetryAfter is the wait until a token becomes available.
	// Zero when Allowed is true.
	RetryAfter time.Duration
}

// bucket pairs a limiter with its last access time for idle eviction.
type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Admitter is the per-source-key admission gate. Buckets for distinct keys
// are independent; a misbehaving source cannot exhaust another's budget.
type Admitter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	limit       rate.Limit
	burst       int
	idleTimeout time.Duration

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// NewAdmitter creates an admitter with the given sustained rate
// (tokens/second) and burst capacity.
func NewAdmitter(ratePerSecond float64, burst int) *Admitter {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRatePerSecond
	}
	if burst < 1 {
		burst = 1
	}
	return &Admitter{
		buckets:     make(map[string]*bucket),
		limit:       rate.Limit(ratePerSecond),
		burst:       burst,
		idleTimeout: defaultIdleTimeout,
		now:         time.Now,
	}
}

// Admit checks whether a request from sourceKey may proceed, consuming one
// token on success. On rejection the decision reports the time until one
// token is available; the reservation is canceled so tokens never go
// negative.
func (a *Admitter) Admit(sourceKey string) Decision {
	now := a.now()

	a.mu.Lock()
	b, ok := a.buckets[sourceKey]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(a.limit, a.burst)}
		a.buckets[sourceKey] = b
	}
	b.lastAccess = now
	limiter := b.limiter
	a.mu.Unlock()

	res := limiter.ReserveN(now, 1)
	if !res.OK() {
		// Unreachable with burst >= 1, but fail closed.
		return Decision{Allowed: false, RetryAfter: time.Second}
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		metrics.IngestThrottled.Inc()
		return Decision{Allowed: false, RetryAfter: delay}
	}

	metrics.IngestAdmitted.Inc()
	return Decision{Allowed: true}
}

// Serve runs the idle-bucket sweeper until the context is canceled.
// Designed to sit under a suture supervisor.
func (a *Admitter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sweep removes buckets that have not been touched within the idle timeout.
func (a *Admitter) sweep() {
	threshold := a.now().Add(-a.idleTimeout)

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, b := range a.buckets {
		if b.lastAccess.Before(threshold) {
			delete(a.buckets, key)
		}
	}
	metrics.RateBuckets.Set(float64(len(a.buckets)))
}

// Len returns the number of live buckets.
func (a *Admitter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}
